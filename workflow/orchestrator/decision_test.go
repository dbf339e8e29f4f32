package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semforge/workflow"
)

func TestActionIsValid(t *testing.T) {
	for _, a := range []Action{ActionApprove, ActionReject, ActionFeedback, ActionRetry, ActionExtend, ActionAbort, ActionResolve} {
		assert.True(t, a.IsValid(), a)
	}
	assert.False(t, Action("skip").IsValid())
}

func TestDecideRejectsInvalidDecisions(t *testing.T) {
	h := newHarness(t, testConfig(t), "gated")
	ctx := context.Background()
	saves := h.store.Saves()

	tests := []struct {
		name string
		req  DecisionRequest
		want error
	}{
		{"unknown action", DecisionRequest{Stage: workflow.StageRequirements, Action: "skip"}, workflow.ErrInvalidDecision},
		{"unknown stage", DecisionRequest{Stage: "marketing", Action: ActionRetry}, workflow.ErrUnknownStage},
		{"approve without hold", DecisionRequest{Stage: workflow.StageRequirements, Action: ActionApprove}, workflow.ErrInvalidDecision},
		{"reject without hold", DecisionRequest{Stage: workflow.StageRequirements, Action: ActionReject}, workflow.ErrInvalidDecision},
		{"retry running stage", DecisionRequest{Stage: workflow.StageRequirements, Action: ActionRetry}, workflow.ErrInvalidDecision},
		{"extend without timeout", DecisionRequest{Stage: workflow.StageRequirements, Action: ActionExtend}, workflow.ErrInvalidDecision},
		{"feedback without hold", DecisionRequest{Stage: workflow.StageRequirements, Action: ActionFeedback, Details: "more"}, workflow.ErrInvalidDecision},
		{"approve idle review stage", DecisionRequest{Stage: workflow.StageSafetyReview, Action: ActionApprove}, workflow.ErrInvalidDecision},
		{"resolve unknown issue", DecisionRequest{Action: ActionResolve, IssueID: "nope"}, workflow.ErrInvalidDecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.o.Decide(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, saves, h.store.Saves(), "invalid decisions change nothing")

	h.complete(workflow.StageRequirements)
	_, err := h.o.Decide(ctx, DecisionRequest{Stage: workflow.StageRequirements, Action: ActionFeedback})
	assert.ErrorIs(t, err, workflow.ErrInvalidDecision, "feedback needs details")
}

func TestRejectThenFeedback(t *testing.T) {
	h := newHarness(t, testConfig(t), "gated")
	h.complete(workflow.StageRequirements)

	res := h.decide(DecisionRequest{Stage: workflow.StageRequirements, Action: ActionReject, Details: "stories too vague", Actor: "dana"})
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	s := h.state()
	rec := s.Record(workflow.StageRequirements)
	assert.Equal(t, workflow.StatusBlocked, rec.Status)
	assert.Equal(t, workflow.HoldDecision, rec.Hold)
	assert.Equal(t, workflow.CauseRejected, rec.Cause)
	open := s.OpenIssues()
	require.Len(t, open, 1)
	assert.Equal(t, workflow.ClassHumanRejection, open[0].Class)
	assert.Equal(t, workflow.SeverityHigh, open[0].Severity)
	last := s.HumanInteractions[len(s.HumanInteractions)-1]
	assert.Equal(t, workflow.InteractionRejection, last.Type)
	assert.Equal(t, "dana", last.Actor)

	res = h.decide(DecisionRequest{Stage: workflow.StageRequirements, Action: ActionFeedback, Details: "add acceptance criteria for export"})
	assert.Equal(t, []workflow.StageID{workflow.StageRequirements}, res.Dispatched)
	assert.Equal(t, workflow.StageRequirements, res.CurrentStage)
	assert.Empty(t, h.state().OpenIssues())

	inv := h.invoker.Last(workflow.StageRequirements)
	assert.Equal(t, "add acceptance criteria for export", inv.Feedback)
	assert.Equal(t, 2, inv.Attempt)

	res = h.complete(workflow.StageRequirements)
	assert.Equal(t, workflow.StagePaused, res.CurrentStage, "the reworked output needs approval again")
	res = h.decide(DecisionRequest{Stage: workflow.StageRequirements, Action: ActionApprove})
	assert.Equal(t, []workflow.StageID{workflow.StageArchitecture}, res.Dispatched)
}

func TestReplayedReportAfterFeedback(t *testing.T) {
	h := newHarness(t, testConfig(t), "gated")
	first := h.report(workflow.StageRequirements, workflow.ReportCompleted, nil)
	res, err := h.send(first)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Disposition)
	h.decide(DecisionRequest{Stage: workflow.StageRequirements, Action: ActionReject, Details: "stories too vague"})

	h.clock.Advance(time.Minute)
	h.decide(DecisionRequest{Stage: workflow.StageRequirements, Action: ActionFeedback, Details: "add export criteria"})
	before := h.state()

	res, err = h.send(first)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Disposition)
	assert.JSONEq(t, mustJSON(t, before), mustJSON(t, h.state()))

	res = h.complete(workflow.StageRequirements)
	assert.Equal(t, workflow.StagePaused, res.CurrentStage, "the reworked output waits for approval")
	assert.Equal(t, workflow.HoldApproval, h.record(workflow.StageRequirements).Hold)
}

func TestResolveKeepsHaltReason(t *testing.T) {
	h := newHarness(t, testConfig(t), "gated")
	h.complete(workflow.StageRequirements)
	h.decide(DecisionRequest{Stage: workflow.StageRequirements, Action: ActionReject})
	issue := h.state().OpenIssues()[0]

	_, err := h.o.Decide(context.Background(), DecisionRequest{Action: ActionResolve, IssueID: issue.ID})
	assert.ErrorIs(t, err, workflow.ErrHaltWithoutReason)
	assert.Len(t, h.state().OpenIssues(), 1)
}

func TestResolveIssue(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.toCohort(workflow.RiskLow)
	_, err := h.send(h.report(workflow.StageBackend, workflow.ReportBlocked, map[string]any{
		"blocking_issues": []map[string]any{
			{"description": "schema migration pending", "severity": "medium"},
			{"description": "staging database unreachable", "severity": "high"},
		},
	}))
	require.NoError(t, err)
	open := h.state().OpenIssues()
	require.Len(t, open, 2)

	res := h.decide(DecisionRequest{Stage: workflow.StageBackend, Action: ActionResolve, IssueID: open[0].ID, Details: "migration applied"})
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	s := h.state()
	require.Len(t, s.BlockingIssues, 2, "issues are never removed")
	assert.True(t, s.BlockingIssues[0].Resolved)
	assert.Equal(t, "migration applied", s.BlockingIssues[0].Resolution)
	assert.Len(t, s.OpenIssues(), 1)

	_, err = h.o.Decide(context.Background(), DecisionRequest{Action: ActionResolve, IssueID: open[0].ID})
	assert.ErrorIs(t, err, workflow.ErrInvalidDecision, "already resolved")
}

func TestAbortCohortMember(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.toCohort(workflow.RiskLow)

	res := h.decide(DecisionRequest{Stage: workflow.StageFrontend, Action: ActionAbort, Details: "design still changing"})
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	s := h.state()
	assert.Equal(t, workflow.StatusBlocked, s.Record(workflow.StageFrontend).Status)
	assert.Equal(t, workflow.CauseAborted, s.Record(workflow.StageFrontend).Cause)
	assert.Equal(t, workflow.StatusInProgress, s.Record(workflow.StageBackend).Status, "siblings keep running")
	assert.Equal(t, workflow.StatusInProgress, s.Record(workflow.StageAI).Status)

	h.complete(workflow.StageBackend)
	res = h.complete(workflow.StageAI)
	assert.Empty(t, res.Dispatched)
	assert.Empty(t, h.invoker.For(workflow.StageQA))

	res = h.decide(DecisionRequest{Stage: workflow.StageFrontend, Action: ActionRetry})
	assert.Equal(t, []workflow.StageID{workflow.StageFrontend}, res.Dispatched)
	res = h.complete(workflow.StageFrontend)
	assert.Equal(t, []workflow.StageID{workflow.StageQA}, res.Dispatched)
}

func TestAbortPendingStage(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")

	res := h.decide(DecisionRequest{Stage: workflow.StageArchitecture, Action: ActionAbort, Details: "architecture handled offline"})
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	assert.Equal(t, workflow.StatusBlocked, h.record(workflow.StageArchitecture).Status)

	res = h.complete(workflow.StageRequirements)
	assert.Empty(t, res.Dispatched, "an aborted stage is not started")
	assert.Equal(t, workflow.StagePaused, res.CurrentStage)
	assert.Equal(t, workflow.StageArchitecture, h.state().ActiveStage)

	res = h.decide(DecisionRequest{Stage: workflow.StageArchitecture, Action: ActionRetry})
	assert.Equal(t, []workflow.StageID{workflow.StageArchitecture}, res.Dispatched)
	assert.Equal(t, workflow.StageArchitecture, res.CurrentStage)
}

func TestAbortReleaseRollsBack(t *testing.T) {
	h := newHarness(t, testConfig(t), "lean")
	h.toQA()
	h.complete(workflow.StageQA)

	res := h.decide(DecisionRequest{Stage: workflow.StageDeployment, Action: ActionAbort, Details: "release window closed"})
	assert.Equal(t, workflow.StageFailed, res.CurrentStage)
	assert.Equal(t, []workflow.StageID{workflow.StageDeployment}, res.Dispatched)
	rec := h.record(workflow.StageDeployment)
	assert.Equal(t, workflow.StatusRolledBack, rec.Status)
	assert.Equal(t, workflow.CauseAborted, rec.Cause)
	assert.True(t, h.invoker.Last(workflow.StageDeployment).Rollback)
}

func TestAbortedStageIgnoresLateReport(t *testing.T) {
	h := newHarness(t, testConfig(t), "open")
	h.decide(DecisionRequest{Stage: workflow.StageRequirements, Action: ActionAbort})

	res, err := h.send(h.report(workflow.StageRequirements, workflow.ReportCompleted, nil))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Disposition)
	assert.Equal(t, workflow.StatusBlocked, h.record(workflow.StageRequirements).Status)
}
