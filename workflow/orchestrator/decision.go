package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/failure"
	"github.com/c360studio/semforge/workflow/gate"
)

// Action is an operator decision.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionFeedback Action = "feedback"
	ActionRetry    Action = "retry"
	ActionExtend   Action = "extend"
	ActionAbort    Action = "abort"
	ActionResolve  Action = "resolve"
)

// IsValid returns true if the action is known.
func (a Action) IsValid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionFeedback, ActionRetry,
		ActionExtend, ActionAbort, ActionResolve:
		return true
	default:
		return false
	}
}

// DecisionRequest is the only external write path besides reports.
type DecisionRequest struct {
	Stage   workflow.StageID `json:"stage,omitempty"`
	Action  Action           `json:"action"`
	Details string           `json:"details,omitempty"`
	Actor   string           `json:"actor,omitempty"`
	// IssueID selects the issue for resolve
	IssueID string `json:"issue_id,omitempty"`
	// Extension is the new deadline offset for extend; zero uses the stage timeout
	Extension time.Duration `json:"extension,omitempty"`
}

// Decide applies an operator decision. Decisions that do not fit the stage's
// current hold return ErrInvalidDecision and change nothing.
func (o *Orchestrator) Decide(ctx context.Context, req DecisionRequest) (Result, error) {
	o.mu.Lock()
	result, t, err := o.decide(ctx, req)
	o.mu.Unlock()

	if err != nil {
		return result, err
	}
	o.metrics.decided(req.Action)
	o.logger.Info("Decision applied",
		"workflow_id", t.s.ID,
		"stage", req.Stage,
		"action", req.Action,
		"actor", req.Actor,
		"current_stage", result.CurrentStage)
	o.dispatch(ctx, t.invocations)
	return result, nil
}

func (o *Orchestrator) decide(ctx context.Context, req DecisionRequest) (Result, *txn, error) {
	unchanged := Result{Stage: req.Stage, CurrentStage: o.state.CurrentStage}
	if o.closed || o.state.IsClosed() {
		return unchanged, nil, workflow.ErrWorkflowClosed
	}
	if o.state.Escalated {
		return unchanged, nil, workflow.ErrEscalated
	}
	if !req.Action.IsValid() {
		return unchanged, nil, fmt.Errorf("%w: unknown action %q", workflow.ErrInvalidDecision, req.Action)
	}

	t := o.begin()
	now := o.now()
	if req.Action == ActionResolve {
		if err := t.s.ResolveIssue(req.IssueID, orDefault(req.Details, "resolved by operator"), now); err != nil {
			return unchanged, nil, err
		}
		t.s.Interact(req.Stage, workflow.InteractionDecision, "resolved issue "+req.IssueID, req.Actor, now)
	} else {
		def, ok := o.graph.Stage(req.Stage)
		if !ok {
			return unchanged, nil, fmt.Errorf("%w: %q", workflow.ErrUnknownStage, req.Stage)
		}
		if err := o.applyDecision(t, def, req); err != nil {
			return unchanged, nil, err
		}
	}

	if err := o.commit(ctx, t); err != nil {
		return unchanged, nil, err
	}
	return o.result(t, Accepted, req.Stage), t, nil
}

func (o *Orchestrator) applyDecision(t *txn, def workflow.StageDef, req DecisionRequest) error {
	rec := t.s.Record(def.ID)
	switch req.Action {
	case ActionApprove:
		return o.approve(t, def, rec, req)
	case ActionReject:
		return o.reject(t, def, rec, req)
	case ActionFeedback:
		return o.feedback(t, def, rec, req)
	case ActionRetry:
		return o.retry(t, def, rec, req)
	case ActionExtend:
		return o.extend(t, def, rec, req)
	case ActionAbort:
		return o.abort(t, def, rec, req)
	}
	return fmt.Errorf("%w: %s", workflow.ErrInvalidDecision, req.Action)
}

func invalid(rec *workflow.StageRecord, action Action) error {
	hold := string(rec.Hold)
	if hold == "" {
		hold = "none"
	}
	return fmt.Errorf("%w: %s on %s (status %s, hold %s)", workflow.ErrInvalidDecision, action, rec.Stage, rec.Status, hold)
}

// approve clears an approval hold, overrides a blocked review or a failed
// automated check, or accepts a stage past the fix cycle limit. The stage
// then resumes where it stood and normal transition logic proceeds.
func (o *Orchestrator) approve(t *txn, def workflow.StageDef, rec *workflow.StageRecord, req DecisionRequest) error {
	now := o.now()
	pending := rec.PendingReport
	if pending == nil {
		return invalid(rec, req.Action)
	}

	switch {
	case rec.Hold == workflow.HoldApproval:
		rec.HumanApprovalReceived = true
		rec.Hold = workflow.HoldNone
		t.s.Interact(def.ID, workflow.InteractionApproval, orDefault(req.Details, "approved"), req.Actor, now)

	case rec.Hold == workflow.HoldMediation:
		gate.Override(rec, req.Actor, now)
		rec.Hold = workflow.HoldNone
		rec.Cause = workflow.CauseNone
		t.s.ResolveStageIssues(def.ID, "overridden by human tiebreak", now)
		t.s.Interact(def.ID, workflow.InteractionApproval,
			orDefault(req.Details, "human tiebreak overrides blocked review"), req.Actor, now)

	case rec.Hold == workflow.HoldDecision && rec.Cause == workflow.CauseCheckFailed:
		gate.Override(rec, req.Actor, now)
		if err := setStatus(rec, workflow.StatusInProgress); err != nil {
			return err
		}
		rec.Hold = workflow.HoldNone
		rec.Cause = workflow.CauseNone
		t.s.ResolveStageIssues(def.ID, "automated check overridden", now)
		t.s.Interact(def.ID, workflow.InteractionApproval,
			orDefault(req.Details, "automated check overridden"), req.Actor, now)
		if _, active := t.b.Active(def.ID); active {
			if err := t.b.Reset(def.ID); err != nil {
				return err
			}
		}

	case rec.Hold == workflow.HoldDecision && rec.Cause == workflow.CauseFixCycleLimit:
		rec.Hold = workflow.HoldNone
		rec.Cause = workflow.CauseNone
		rec.PendingReport = nil
		t.s.ResolveStageIssues(def.ID, "accepted despite open fixes", now)
		t.s.Interact(def.ID, workflow.InteractionApproval,
			orDefault(req.Details, "release accepted with open fixes"), req.Actor, now)
		accepted := pending.Clone()
		accepted.Outcome = ""
		return o.advance(t, def.ID, accepted)

	default:
		return invalid(rec, req.Action)
	}

	rec.PendingReport = nil
	return o.applyGates(t, def, pending)
}

// reject halts a stage awaiting approval. Rejecting during mediation means
// mediation failed and escalates to a halt only a manual state edit clears.
func (o *Orchestrator) reject(t *txn, def workflow.StageDef, rec *workflow.StageRecord, req DecisionRequest) error {
	now := o.now()
	switch rec.Hold {
	case workflow.HoldApproval:
		o.addIssue(t, def.ID, workflow.SeverityHigh, workflow.ClassHumanRejection,
			fmt.Sprintf("%s rejected: %s", def.ID, orDefault(req.Details, "no reason given")))
		if err := halt(rec, workflow.StatusBlocked, workflow.CauseRejected); err != nil {
			return err
		}
		t.s.Interact(def.ID, workflow.InteractionRejection, orDefault(req.Details, "rejected"), req.Actor, now)
		return o.arrive(t, def.ID, workflow.StatusBlocked)

	case workflow.HoldMediation:
		o.addIssue(t, def.ID, workflow.SeverityCritical, workflow.ClassEscalation,
			fmt.Sprintf("mediation failed for %s: manual state edit required", def.ID))
		rec.Hold = workflow.HoldEscalated
		rec.Cause = workflow.CauseMediationFails
		t.s.Escalated = true
		t.s.Interact(def.ID, workflow.InteractionRejection,
			orDefault(req.Details, "mediation failed"), req.Actor, now)
		o.logger.Warn("Workflow escalated", "workflow_id", t.s.ID, "stage", def.ID)
		return nil
	}
	return invalid(rec, req.Action)
}

// feedback sends a held stage back to its owner for rework.
func (o *Orchestrator) feedback(t *txn, def workflow.StageDef, rec *workflow.StageRecord, req DecisionRequest) error {
	switch rec.Hold {
	case workflow.HoldApproval, workflow.HoldMediation, workflow.HoldDecision:
	default:
		return invalid(rec, req.Action)
	}
	if req.Details == "" {
		return fmt.Errorf("%w: feedback requires details", workflow.ErrInvalidDecision)
	}
	now := o.now()
	rec.Feedback = req.Details
	t.s.ResolveStageIssues(def.ID, "superseded by feedback", now)
	t.s.Interact(def.ID, workflow.InteractionFeedback, req.Details, req.Actor, now)
	o.failures.ClearSchema(t.s.ID, def.ID)
	return o.restart(t, def.ID)
}

// retry re-dispatches a blocked or failed stage with a fresh start time.
func (o *Orchestrator) retry(t *txn, def workflow.StageDef, rec *workflow.StageRecord, req DecisionRequest) error {
	if rec.Hold != workflow.HoldDecision || (rec.Status != workflow.StatusBlocked && rec.Status != workflow.StatusFailed) {
		return invalid(rec, req.Action)
	}
	if rec.Cause == workflow.CauseFixCycleLimit {
		return invalid(rec, req.Action)
	}
	if rec.Cause == workflow.CauseTimeout {
		if !o.failures.CanRetryTimeout(rec) {
			return fmt.Errorf("%w: %s already retried after a timeout", workflow.ErrRetriesExhausted, def.ID)
		}
		rec.Retries.Timeout++
	}
	now := o.now()
	t.s.ResolveStageIssues(def.ID, "retried by operator", now)
	t.s.Interact(def.ID, workflow.InteractionDecision, orDefault(req.Details, "retry"), req.Actor, now)
	o.failures.ClearSchema(t.s.ID, def.ID)
	return o.restart(t, def.ID)
}

// extend gives a timed-out stage a new deadline without re-dispatching it.
func (o *Orchestrator) extend(t *txn, def workflow.StageDef, rec *workflow.StageRecord, req DecisionRequest) error {
	if rec.Hold != workflow.HoldDecision || rec.Cause != workflow.CauseTimeout {
		return invalid(rec, req.Action)
	}
	ext := req.Extension
	if ext <= 0 {
		ext = o.failures.Timeout(def, o.res)
	}
	if err := setStatus(rec, workflow.StatusInProgress); err != nil {
		return err
	}
	now := o.now()
	deadline := now.Add(ext)
	rec.Deadline = &deadline
	rec.Hold = workflow.HoldNone
	rec.Cause = workflow.CauseNone
	t.s.ResolveStageIssues(def.ID, "deadline extended", now)
	t.s.Interact(def.ID, workflow.InteractionDecision,
		fmt.Sprintf("deadline extended by %s", ext), req.Actor, now)
	if _, active := t.b.Active(def.ID); active {
		return t.b.Reset(def.ID)
	}
	return nil
}

// abort cancels a stage. Siblings in its cohort keep running. Aborting a
// started release stage rolls it back.
func (o *Orchestrator) abort(t *txn, def workflow.StageDef, rec *workflow.StageRecord, req DecisionRequest) error {
	switch rec.Status {
	case workflow.StatusPending, workflow.StatusInProgress, workflow.StatusBlocked, workflow.StatusFailed:
	default:
		return invalid(rec, req.Action)
	}
	now := o.now()
	t.s.Interact(def.ID, workflow.InteractionDecision, orDefault(req.Details, "abort"), req.Actor, now)
	if failure.IsRollbackStage(def) && rec.Status != workflow.StatusPending {
		return o.rollback(t, def, workflow.CauseAborted, fmt.Sprintf("%s aborted by operator", def.ID))
	}

	o.addIssue(t, def.ID, workflow.SeverityHigh, workflow.ClassHumanRejection,
		fmt.Sprintf("%s aborted by operator: %s", def.ID, orDefault(req.Details, "no reason given")))
	if err := halt(rec, workflow.StatusBlocked, workflow.CauseAborted); err != nil {
		return err
	}
	rec.PendingReport = nil
	t.s.ReviewQueue = removeStage(t.s.ReviewQueue, def.ID)
	return o.arrive(t, def.ID, workflow.StatusBlocked)
}

// restart re-activates a stage, resetting its cohort arrival.
func (o *Orchestrator) restart(t *txn, id workflow.StageID) error {
	if _, active := t.b.Active(id); active {
		if err := t.b.Reset(id); err != nil {
			return err
		}
	}
	t.s.ReviewQueue = removeStage(t.s.ReviewQueue, id)
	if err := o.startStage(t, id); err != nil {
		return err
	}
	if def, _ := o.graph.Stage(id); def.Phase == workflow.PhaseReview {
		return nil
	}
	return o.dispatchReview(t)
}

func removeStage(ids []workflow.StageID, id workflow.StageID) []workflow.StageID {
	out := ids[:0:0]
	for _, s := range ids {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
