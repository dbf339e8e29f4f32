package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semforge/workflow"
)

var buildMembers = []workflow.StageID{workflow.StageFrontend, workflow.StageBackend, workflow.StageAI}

func TestReviewPassWithConditions(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.complete(workflow.StageRequirements)

	res := h.complete(workflow.StageArchitecture)
	assert.Equal(t, []workflow.StageID{workflow.StageSafetyReview}, res.Dispatched)
	assert.Equal(t, workflow.StageArchitecture, res.CurrentStage, "waiting on a review is not a pause")
	s := h.state()
	assert.Equal(t, workflow.HoldReview, s.Record(workflow.StageArchitecture).Hold)
	assert.Equal(t, []workflow.StageID{workflow.StageArchitecture}, s.ReviewQueue)
	assert.Nil(t, s.RiskLevel)

	inv := h.invoker.Last(workflow.StageSafetyReview)
	assert.Equal(t, workflow.StageArchitecture, inv.Subject)
	require.Len(t, inv.Inputs, 1)
	assert.Equal(t, "system-architect/architecture-handover-packet.json", inv.Inputs[0].Key)

	res = h.review(workflow.StageArchitecture, "passed_with_conditions", workflow.RiskMedium, "add rate limits")
	assert.ElementsMatch(t, buildMembers, res.Dispatched)

	s = h.state()
	require.NotNil(t, s.RiskLevel)
	assert.Equal(t, workflow.RiskMedium, *s.RiskLevel)
	assert.Empty(t, s.ReviewQueue)
	assert.Equal(t, workflow.StatusCompleted, s.Record(workflow.StageSafetyReview).Status)

	arch := s.Record(workflow.StageArchitecture)
	assert.Equal(t, workflow.StatusCompletedWithWarnings, arch.Status)
	assert.Equal(t, []string{"review condition: add rate limits"}, arch.Warnings)
	require.NotNil(t, arch.Review)
	assert.Equal(t, workflow.ReviewPassedWithConditions, arch.Review.Status)
	assert.Equal(t, workflow.RoleSafety, arch.Review.Reviewer)

	risk := h.invoker.Last(workflow.StageBackend).RiskLevel
	require.NotNil(t, risk)
	assert.Equal(t, workflow.RiskMedium, *risk)
}

func TestReviewBlockedMediation(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)

	res := h.review(workflow.StageArchitecture, "blocked", workflow.RiskHigh)
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	assert.Empty(t, res.Dispatched)

	s := h.state()
	arch := s.Record(workflow.StageArchitecture)
	assert.Equal(t, workflow.HoldMediation, arch.Hold)
	assert.Equal(t, workflow.CauseReviewBlocked, arch.Cause)
	assert.Equal(t, workflow.ReviewBlocked, arch.Review.Status)
	open := s.OpenIssues()
	require.Len(t, open, 1)
	assert.Equal(t, workflow.SeverityCritical, open[0].Severity)
	assert.Equal(t, workflow.ClassGateNotSatisfied, open[0].Class)
	last := s.HumanInteractions[len(s.HumanInteractions)-1]
	assert.Equal(t, workflow.InteractionMediationRequested, last.Type)

	res = h.decide(DecisionRequest{Stage: workflow.StageArchitecture, Action: ActionApprove, Actor: "dana", Details: "risk accepted"})
	assert.ElementsMatch(t, buildMembers, res.Dispatched)
	s = h.state()
	assert.Empty(t, s.OpenIssues())
	assert.Equal(t, workflow.ReviewOverridden, s.Record(workflow.StageArchitecture).Review.Status)
	assert.Equal(t, workflow.StatusCompleted, s.Record(workflow.StageArchitecture).Status)
}

func TestMediationFailureEscalates(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	ctx := context.Background()
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)
	h.review(workflow.StageArchitecture, "blocked", workflow.RiskHigh)

	res := h.decide(DecisionRequest{Stage: workflow.StageArchitecture, Action: ActionReject, Details: "team disagrees with the block"})
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	s := h.state()
	assert.True(t, s.Escalated)
	assert.Equal(t, workflow.HoldEscalated, s.Record(workflow.StageArchitecture).Hold)
	assert.Equal(t, workflow.CauseMediationFails, s.Record(workflow.StageArchitecture).Cause)
	classes := make([]string, 0, len(s.OpenIssues()))
	for _, issue := range s.OpenIssues() {
		classes = append(classes, issue.Class)
	}
	assert.Contains(t, classes, workflow.ClassEscalation)

	_, err := h.send(h.report(workflow.StageArchitecture, workflow.ReportCompleted, nil))
	assert.ErrorIs(t, err, workflow.ErrEscalated)
	_, err = h.o.Decide(ctx, DecisionRequest{Stage: workflow.StageArchitecture, Action: ActionApprove})
	assert.ErrorIs(t, err, workflow.ErrEscalated)
	expired, err := h.o.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	other := h.state()
	other.ID = "wf-other"
	assert.Error(t, h.o.ReplaceState(ctx, other))

	unknown := h.state()
	unknown.CurrentStage = "marketing"
	assert.Error(t, h.o.ReplaceState(ctx, unknown))

	edited := h.state()
	edited.Escalated = false
	arch := edited.Record(workflow.StageArchitecture)
	arch.Hold = workflow.HoldNone
	arch.Cause = workflow.CauseNone
	require.NoError(t, h.o.ReplaceState(ctx, edited))

	s = h.state()
	assert.False(t, s.Escalated)
	assert.Equal(t, workflow.StageArchitecture, s.CurrentStage)

	res, err = h.send(h.report(workflow.StageArchitecture, workflow.ReportCompleted, nil))
	require.NoError(t, err)
	assert.Equal(t, []workflow.StageID{workflow.StageSafetyReview}, res.Dispatched, "high risk re-reviews the reworked design")
}

func TestReviewQueueSerializesReviews(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.toCohort(workflow.RiskCritical)

	res := h.complete(workflow.StageFrontend)
	assert.Equal(t, []workflow.StageID{workflow.StageSafetyReview}, res.Dispatched)
	assert.Equal(t, workflow.StageFrontend, h.invoker.Last(workflow.StageSafetyReview).Subject)

	res = h.complete(workflow.StageBackend)
	assert.Empty(t, res.Dispatched, "one review runs at a time")
	assert.Equal(t, []workflow.StageID{workflow.StageFrontend, workflow.StageBackend}, h.state().ReviewQueue)

	res = h.review(workflow.StageFrontend, "passed", workflow.RiskCritical)
	assert.Equal(t, []workflow.StageID{workflow.StageSafetyReview}, res.Dispatched)
	assert.Equal(t, workflow.StageBackend, h.invoker.Last(workflow.StageSafetyReview).Subject)
	assert.Equal(t, workflow.StatusCompleted, h.record(workflow.StageFrontend).Status)

	h.review(workflow.StageBackend, "passed", workflow.RiskCritical)
	assert.Equal(t, workflow.StatusCompleted, h.record(workflow.StageBackend).Status)

	h.complete(workflow.StageAI)
	res = h.review(workflow.StageAI, "passed", workflow.RiskCritical)
	assert.Equal(t, []workflow.StageID{workflow.StageQA}, res.Dispatched)
	assert.Empty(t, h.state().ReviewQueue)
}

func TestReviewSubjectMismatch(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)

	h.artifacts.Put("safety-agent/wrong.json", reviewDoc(workflow.StageRequirements, "passed", workflow.RiskLow))
	res, err := h.send(h.report(workflow.StageSafetyReview, workflow.ReportCompleted, map[string]any{
		"artifacts": []string{"safety-agent/wrong.json"},
	}))
	assert.ErrorIs(t, err, workflow.ErrSchemaViolation)
	assert.Equal(t, Rejected, res.Disposition)
	assert.Equal(t, workflow.HoldReview, h.record(workflow.StageArchitecture).Hold)
	assert.Nil(t, h.state().RiskLevel)
}

func TestReviewStageFailureRetried(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)

	res, err := h.send(h.report(workflow.StageSafetyReview, workflow.ReportFailed, map[string]any{
		"error_class": "permanent",
		"summary":     "policy corpus unavailable",
	}))
	require.NoError(t, err)
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	assert.Equal(t, workflow.HoldReview, h.record(workflow.StageArchitecture).Hold)

	res = h.decide(DecisionRequest{Stage: workflow.StageSafetyReview, Action: ActionRetry})
	assert.Equal(t, []workflow.StageID{workflow.StageSafetyReview}, res.Dispatched)
	assert.Equal(t, workflow.StageArchitecture, h.invoker.Last(workflow.StageSafetyReview).Subject)

	res = h.review(workflow.StageArchitecture, "passed", workflow.RiskLow)
	assert.ElementsMatch(t, buildMembers, res.Dispatched)
}

func TestAutomatedCheck(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.toCohort(workflow.RiskMedium)

	res, err := h.send(h.report(workflow.StageFrontend, workflow.ReportCompleted, map[string]any{
		"blocking_issues": []map[string]any{
			{"description": "XSS in recipe notes", "severity": "critical"},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	front := h.record(workflow.StageFrontend)
	assert.Equal(t, workflow.StatusBlocked, front.Status)
	assert.Equal(t, workflow.CauseCheckFailed, front.Cause)
	assert.NotNil(t, front.PendingReport)
	open := h.state().OpenIssues()
	require.Len(t, open, 1)
	assert.Equal(t, workflow.ClassGateNotSatisfied, open[0].Class)
	assert.Contains(t, open[0].Description, "XSS in recipe notes")

	h.complete(workflow.StageBackend)
	back := h.record(workflow.StageBackend)
	require.NotNil(t, back.Review)
	assert.Equal(t, workflow.ReviewAutomated, back.Review.Status)

	res = h.decide(DecisionRequest{Stage: workflow.StageFrontend, Action: ActionApprove, Actor: "dana", Details: "notes are escaped upstream"})
	assert.Equal(t, workflow.StageID(workflow.CohortImplementation), res.CurrentStage)
	front = h.record(workflow.StageFrontend)
	assert.Equal(t, workflow.StatusCompleted, front.Status)
	assert.Equal(t, workflow.ReviewOverridden, front.Review.Status)
	assert.Empty(t, h.state().OpenIssues())

	res = h.complete(workflow.StageAI)
	assert.Equal(t, []workflow.StageID{workflow.StageQA}, res.Dispatched)
}

func TestReviewPanelPasses(t *testing.T) {
	h := newHarness(t, testConfig(t), "audited")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)

	res := h.review(workflow.StageArchitecture, "passed_with_conditions", workflow.RiskHigh, "pin model versions")
	assert.Equal(t, []workflow.StageID{workflow.StageGovernanceReview}, res.Dispatched)
	assert.Equal(t, workflow.StageArchitecture, h.invoker.Last(workflow.StageGovernanceReview).Subject)

	s := h.state()
	require.NotNil(t, s.RiskLevel)
	assert.Equal(t, workflow.RiskHigh, *s.RiskLevel)
	assert.Equal(t, []workflow.StageID{workflow.StageArchitecture}, s.ReviewQueue, "subject stays queued until the panel is done")
	arch := s.Record(workflow.StageArchitecture)
	assert.Equal(t, workflow.HoldReview, arch.Hold)
	assert.Equal(t, workflow.ReviewRequested, arch.Review.Status)
	assert.Equal(t, []workflow.Role{workflow.RoleSafety}, arch.Review.PassedBy)

	res = h.governance(workflow.StageArchitecture, "passed", "dependencies are MIT licensed")
	assert.ElementsMatch(t, buildMembers, res.Dispatched)

	s = h.state()
	assert.Empty(t, s.ReviewQueue)
	assert.Equal(t, workflow.RiskHigh, *s.RiskLevel, "governance does not reassess risk")
	assert.Equal(t, workflow.StatusCompleted, s.Record(workflow.StageGovernanceReview).Status)
	arch = s.Record(workflow.StageArchitecture)
	assert.Equal(t, workflow.StatusCompletedWithWarnings, arch.Status)
	assert.Equal(t, workflow.ReviewPassedWithConditions, arch.Review.Status)
	assert.Equal(t, workflow.RoleGovernance, arch.Review.Reviewer)
	assert.Equal(t, []workflow.Role{workflow.RoleSafety, workflow.RoleGovernance}, arch.Review.PassedBy)
	assert.Equal(t, []string{"dependencies are MIT licensed"}, arch.Review.Findings)
	assert.Equal(t, []string{"review condition: pin model versions"}, arch.Warnings)
}

func TestReviewPanelSerializesSubjects(t *testing.T) {
	h := newHarness(t, testConfig(t), "audited")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)
	h.review(workflow.StageArchitecture, "passed", workflow.RiskCritical)
	h.governance(workflow.StageArchitecture, "passed")

	res := h.complete(workflow.StageFrontend)
	assert.Equal(t, []workflow.StageID{workflow.StageSafetyReview}, res.Dispatched)
	h.review(workflow.StageFrontend, "passed", workflow.RiskCritical)

	res = h.complete(workflow.StageBackend)
	assert.Empty(t, res.Dispatched, "governance is still reviewing the frontend")
	assert.Equal(t, []workflow.StageID{workflow.StageFrontend, workflow.StageBackend}, h.state().ReviewQueue)

	res = h.governance(workflow.StageFrontend, "passed")
	assert.Equal(t, []workflow.StageID{workflow.StageSafetyReview}, res.Dispatched)
	assert.Equal(t, workflow.StageBackend, h.invoker.Last(workflow.StageSafetyReview).Subject)
	assert.Equal(t, workflow.StatusCompleted, h.record(workflow.StageFrontend).Status)
	assert.Empty(t, h.record(workflow.StageBackend).Review.PassedBy)
}

func TestGovernanceBlocks(t *testing.T) {
	h := newHarness(t, testConfig(t), "audited")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)
	h.review(workflow.StageArchitecture, "passed", workflow.RiskMedium)

	res := h.governance(workflow.StageArchitecture, "blocked", "AGPL component in the data path")
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	assert.Empty(t, res.Dispatched)

	s := h.state()
	assert.Empty(t, s.ReviewQueue)
	arch := s.Record(workflow.StageArchitecture)
	assert.Equal(t, workflow.HoldMediation, arch.Hold)
	assert.Equal(t, workflow.CauseReviewBlocked, arch.Cause)
	assert.Equal(t, workflow.ReviewBlocked, arch.Review.Status)
	assert.Equal(t, []workflow.Role{workflow.RoleSafety}, arch.Review.PassedBy)
	open := s.OpenIssues()
	require.Len(t, open, 1)
	assert.Contains(t, open[0].Description, "AGPL component in the data path")
	last := s.HumanInteractions[len(s.HumanInteractions)-1]
	assert.Equal(t, workflow.InteractionMediationRequested, last.Type)
	assert.Equal(t, string(workflow.RoleGovernance), last.Actor)

	res = h.decide(DecisionRequest{Stage: workflow.StageArchitecture, Action: ActionApprove, Actor: "dana", Details: "legal signed off"})
	assert.ElementsMatch(t, buildMembers, res.Dispatched)
	assert.Equal(t, workflow.ReviewOverridden, h.record(workflow.StageArchitecture).Review.Status)
}

func TestGovernanceSubjectMismatch(t *testing.T) {
	h := newHarness(t, testConfig(t), "audited")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)
	h.review(workflow.StageArchitecture, "passed", workflow.RiskLow)

	h.artifacts.Put("governance-agent/wrong.json", mustJSON(t, map[string]any{
		"subject_stage":    workflow.StageRequirements,
		"verdict":          "passed",
		"policies_checked": []string{"licensing"},
	}))
	res, err := h.send(h.report(workflow.StageGovernanceReview, workflow.ReportCompleted, map[string]any{
		"artifacts": []string{"governance-agent/wrong.json"},
	}))
	assert.ErrorIs(t, err, workflow.ErrSchemaViolation)
	assert.Equal(t, Rejected, res.Disposition)
	assert.Equal(t, workflow.HoldReview, h.record(workflow.StageArchitecture).Hold)
}

func TestCodeHealthBeforeRelease(t *testing.T) {
	h := newHarness(t, testConfig(t), "audited")
	h.complete(workflow.StageRequirements)
	h.complete(workflow.StageArchitecture)
	h.review(workflow.StageArchitecture, "passed", workflow.RiskLow)
	h.governance(workflow.StageArchitecture, "passed")
	for _, m := range buildMembers {
		h.complete(m)
	}

	res := h.complete(workflow.StageQA)
	assert.Equal(t, []workflow.StageID{workflow.StageCodeHealth}, res.Dispatched)
	inv := h.invoker.Last(workflow.StageCodeHealth)
	keys := make([]string, 0, len(inv.Inputs))
	for _, in := range inv.Inputs {
		keys = append(keys, in.Key)
	}
	assert.Contains(t, keys, "qa-engineer/qa-test-report.json")

	res = h.complete(workflow.StageCodeHealth)
	assert.Equal(t, []workflow.StageID{workflow.StageDeployment}, res.Dispatched)
	assert.Equal(t, workflow.StatusCompleted, h.record(workflow.StageCodeHealth).Status)

	res = h.complete(workflow.StageDeployment)
	assert.Equal(t, workflow.StageCompleted, res.CurrentStage)
}

func TestCodeHealthSkippedByDefault(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	s := h.state()
	assert.Equal(t, workflow.StatusSkipped, s.Record(workflow.StageCodeHealth).Status)
	assert.Equal(t, workflow.StatusSkipped, s.Record(workflow.StageGovernanceReview).Status)
}
