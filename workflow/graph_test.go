package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedNext(t *testing.T) {
	g := DefaultGraph()

	tests := []struct {
		name   string
		stage  StageID
		report *CompletionReport
		want   []StageID
	}{
		{"requirements to architecture", StageRequirements, &CompletionReport{Status: ReportCompleted}, []StageID{StageArchitecture}},
		{"architecture fans out", StageArchitecture, &CompletionReport{Status: ReportCompletedWithWarnings},
			[]StageID{StageFrontend, StageBackend, StageAI}},
		{"cohort member to verify", StageBackend, &CompletionReport{Status: ReportCompleted}, []StageID{StageQA}},
		{"verify to code health", StageQA, &CompletionReport{Status: ReportCompleted}, []StageID{StageCodeHealth}},
		{"code health to release", StageCodeHealth, &CompletionReport{Status: ReportCompleted}, []StageID{StageDeployment}},
		{"verify fix needed goes back", StageQA, &CompletionReport{Status: ReportCompleted, Outcome: OutcomeFixNeeded},
			[]StageID{StageFrontend, StageBackend, StageAI}},
		{"release is terminal", StageDeployment, &CompletionReport{Status: ReportCompleted}, nil},
		{"review stage has no successors", StageSafetyReview, &CompletionReport{Status: ReportCompleted}, nil},
		{"governance review has no successors", StageGovernanceReview, &CompletionReport{Status: ReportCompleted}, nil},
		{"failed report has no successors", StageRequirements, &CompletionReport{Status: ReportFailed}, nil},
		{"blocked report has no successors", StageQA, &CompletionReport{Status: ReportBlocked}, nil},
		{"human intervention still proceeds", StageRequirements, &CompletionReport{Status: ReportRequiresHumanIntervention},
			[]StageID{StageArchitecture}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.AllowedNext(tt.stage, tt.report)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowedNextIsDeterministic(t *testing.T) {
	g := DefaultGraph()
	statuses := []ReportStatus{ReportCompleted, ReportCompletedWithWarnings, ReportFailed, ReportBlocked, ReportRequiresHumanIntervention}
	outcomes := []Outcome{"", OutcomeFixNeeded}

	for _, def := range g.Stages() {
		for _, st := range statuses {
			for _, oc := range outcomes {
				report := &CompletionReport{Status: st, Outcome: oc}
				first, err := g.AllowedNext(def.ID, report)
				require.NoError(t, err)
				for i := 0; i < 10; i++ {
					// Fields outside status and outcome must not matter.
					noisy := &CompletionReport{Status: st, Outcome: oc, Summary: "run", Artifacts: []string{"x.json"},
						NextRoleHint: RoleHint{RoleQA}}
					again, err := g.AllowedNext(def.ID, noisy)
					require.NoError(t, err)
					assert.Equal(t, first, again, "stage %s status %s outcome %s", def.ID, st, oc)
				}
			}
		}
	}
}

func TestAllowedNextUnknownStage(t *testing.T) {
	g := DefaultGraph()
	_, err := g.AllowedNext("marketing", &CompletionReport{Status: ReportCompleted})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestCheckTransition(t *testing.T) {
	g := DefaultGraph()
	done := &CompletionReport{Status: ReportCompleted}

	assert.NoError(t, g.CheckTransition(StageRequirements, StageArchitecture, done))
	assert.NoError(t, g.CheckTransition(StageQA, StageBackend, &CompletionReport{Status: ReportCompleted, Outcome: OutcomeFixNeeded}))

	err := g.CheckTransition(StageRequirements, StageDeployment, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequenceViolation)
	var seq *SequenceError
	require.True(t, errors.As(err, &seq))
	assert.Equal(t, StageDeployment, seq.Stage)

	// The backward edge exists only for fix-needed verification.
	assert.ErrorIs(t, g.CheckTransition(StageQA, StageBackend, done), ErrSequenceViolation)
	assert.ErrorIs(t, g.CheckTransition(StageDeployment, StageQA, done), ErrSequenceViolation)
}

func TestAdvanceRoutesPastSkippedStages(t *testing.T) {
	g := DefaultGraph()
	done := &CompletionReport{Status: ReportCompleted}

	skipArch := func(id StageID) bool { return id == StageArchitecture }
	next, err := g.Advance(StageRequirements, done, skipArch)
	require.NoError(t, err)
	assert.Equal(t, []StageID{StageFrontend, StageBackend, StageAI}, next)

	skipSome := func(id StageID) bool { return id == StageFrontend || id == StageAI }
	next, err = g.Advance(StageArchitecture, done, skipSome)
	require.NoError(t, err)
	assert.Equal(t, []StageID{StageBackend}, next)

	skipHealth := func(id StageID) bool { return id == StageCodeHealth }
	next, err = g.Advance(StageQA, done, skipHealth)
	require.NoError(t, err)
	assert.Equal(t, []StageID{StageDeployment}, next)

	next, err = g.Advance(StageQA, done, nil)
	require.NoError(t, err)
	assert.Equal(t, []StageID{StageCodeHealth}, next)

	next, err = g.Advance(StageDeployment, done, nil)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestGraphMetadata(t *testing.T) {
	g := DefaultGraph()

	role, err := g.OwnerRole(StageQA)
	require.NoError(t, err)
	assert.Equal(t, RoleQA, role)

	_, err = g.OwnerRole("nope")
	assert.ErrorIs(t, err, ErrUnknownStage)

	assert.True(t, g.IsParallelCohort(StageAI))
	assert.False(t, g.IsParallelCohort(StageQA))
	assert.True(t, g.IsCohort(StageID(CohortImplementation)))
	assert.Equal(t, []StageID{StageFrontend, StageBackend, StageAI}, g.CohortMembers(CohortImplementation))

	stage, ok := g.StageForRole(RoleDevOps)
	require.True(t, ok)
	assert.Equal(t, StageDeployment, stage)

	assert.Equal(t, []StageID{StageSafetyReview, StageGovernanceReview}, g.ReviewPanel())
	for _, id := range g.ReviewPanel() {
		def, ok := g.Stage(id)
		require.True(t, ok, id)
		assert.Equal(t, PhaseReview, def.Phase, id)
	}
	health, _ := g.Stage(StageCodeHealth)
	assert.True(t, health.Optional)
	assert.Equal(t, PhaseVerify, health.Phase)

	for _, def := range g.Stages() {
		assert.NotEmpty(t, def.Schema, def.ID)
		assert.NotEmpty(t, def.Artifact, def.ID)
		assert.Positive(t, def.Timeout, def.ID)
	}
}

func TestStageStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to StageStatus
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusPending, true},
		{StatusCompleted, StatusInProgress, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusSkipped, StatusInProgress, false},
		{StatusRolledBack, StatusInProgress, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatusesAndPseudoStages(t *testing.T) {
	for _, st := range []StageStatus{StatusCompleted, StatusBlocked, StatusSkipped, StatusRolledBack} {
		if !st.IsTerminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range []StageStatus{StatusPending, StatusInProgress} {
		if st.IsTerminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
	if !StagePaused.IsPseudo() || !StageCompleted.IsPseudo() || !StageFailed.IsPseudo() {
		t.Error("paused, completed and failed are pseudo-stages")
	}
	if StageQA.IsPseudo() {
		t.Error("qa_testing is not a pseudo-stage")
	}
}
