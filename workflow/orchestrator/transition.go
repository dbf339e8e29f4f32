package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/failure"
	"github.com/c360studio/semforge/workflow/gate"
)

// setStatus moves a record along the stage status machine.
func setStatus(rec *workflow.StageRecord, to workflow.StageStatus) error {
	if rec.Status == to {
		return nil
	}
	if !rec.Status.CanTransitionTo(to) {
		return &workflow.SequenceError{
			Stage:  rec.Stage,
			Reason: fmt.Sprintf("status %s can not become %s", rec.Status, to),
		}
	}
	rec.Status = to
	return nil
}

// startStage marks a stage in progress and queues its invocation.
func (o *Orchestrator) startStage(t *txn, id workflow.StageID) error {
	def, ok := o.graph.Stage(id)
	if !ok {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownStage, id)
	}
	rec := t.s.Record(id)
	if rec.Status != workflow.StatusInProgress && !rec.Status.CanTransitionTo(workflow.StatusInProgress) {
		return &workflow.SequenceError{Stage: id, Reason: fmt.Sprintf("can not start a %s stage", rec.Status)}
	}
	rec.Start(o.now(), o.failures.Timeout(def, o.res))
	t.invocations = append(t.invocations, o.invocation(t.s, def, rec))
	o.metrics.transition(id, workflow.StatusInProgress)
	return nil
}

// invocation builds the context bundle for a stage: the artifacts of the
// stages it is entitled to read, the mode and the risk level.
func (o *Orchestrator) invocation(s *workflow.State, def workflow.StageDef, rec *workflow.StageRecord) workflow.Invocation {
	inv := workflow.Invocation{
		WorkflowID: s.ID,
		Role:       def.Role,
		Stage:      def.ID,
		Attempt:    rec.Attempt,
		Mode:       s.Mode,
		Feedback:   rec.Feedback,
		Subject:    rec.Subject,
		IssuedAt:   o.now(),
	}
	if s.RiskLevel != nil {
		r := *s.RiskLevel
		inv.RiskLevel = &r
	}
	inputs := def.Inputs
	if def.Phase == workflow.PhaseReview && rec.Subject != "" {
		inputs = []workflow.StageID{rec.Subject}
	}
	for _, in := range inputs {
		src := s.Record(in)
		if src == nil || src.Status == workflow.StatusSkipped {
			continue
		}
		inv.Inputs = append(inv.Inputs, src.Artifacts...)
	}
	return inv
}

// addIssue records a blocking issue raised at a stage.
func (o *Orchestrator) addIssue(t *txn, stage workflow.StageID, sev workflow.Severity, class, desc string) string {
	return t.s.AddIssue(workflow.BlockingIssue{
		Description:        desc,
		Severity:           sev,
		ResolutionRequired: true,
		SourceStage:        stage,
		Class:              class,
		CreatedAt:          o.now(),
	})
}

// halt puts a stage on hold for an operator decision.
func halt(rec *workflow.StageRecord, status workflow.StageStatus, cause workflow.Cause) error {
	if err := setStatus(rec, status); err != nil {
		return err
	}
	rec.Hold = workflow.HoldDecision
	rec.Cause = cause
	rec.Deadline = nil
	return nil
}

// arrive records a cohort member's terminal status with the barrier.
func (o *Orchestrator) arrive(t *txn, stage workflow.StageID, status workflow.StageStatus) error {
	if _, active := t.b.Active(stage); !active {
		return nil
	}
	if _, err := t.b.RecordArrival(stage, status); err != nil {
		return fmt.Errorf("record cohort arrival: %w", err)
	}
	return nil
}

// applyGates evaluates the risk and human gates for a validated successful
// report and either holds the stage or completes it.
func (o *Orchestrator) applyGates(t *txn, def workflow.StageDef, report *workflow.CompletionReport) error {
	rec := t.s.Record(def.ID)
	res := o.enforcer.Evaluate(gate.Input{Def: def, Record: rec, Report: report, Risk: t.s.RiskLevel})
	now := o.now()

	switch res.Outcome {
	case gate.AwaitReview:
		rec.PendingReport = report.Clone()
		rec.Hold = workflow.HoldReview
		rec.Deadline = nil
		gate.Request(rec, now)
		if !slices.Contains(t.s.ReviewQueue, def.ID) {
			t.s.ReviewQueue = append(t.s.ReviewQueue, def.ID)
		}
		o.metrics.gatePaused(def.ID, "review")
		return o.dispatchReview(t)

	case gate.Fail:
		rec.PendingReport = report.Clone()
		o.addIssue(t, def.ID, workflow.SeverityHigh, workflow.ClassGateNotSatisfied,
			"automated check failed: "+strings.Join(res.Problems, "; "))
		if err := halt(rec, workflow.StatusBlocked, workflow.CauseCheckFailed); err != nil {
			return err
		}
		o.metrics.gatePaused(def.ID, "automated")
		return o.arrive(t, def.ID, workflow.StatusBlocked)

	case gate.AwaitApproval:
		rec.PendingReport = report.Clone()
		rec.Hold = workflow.HoldApproval
		rec.Deadline = nil
		t.s.Interact(def.ID, workflow.InteractionApprovalRequested,
			fmt.Sprintf("Review and approve %s output", def.ID), "", now)
		o.metrics.gatePaused(def.ID, "approval")
		return nil
	}

	if res.Requirement == gate.RequireAutomated && rec.Review == nil {
		gate.MarkAutomated(rec, now)
	}
	return o.completeStage(t, def, report)
}

// completeStage commits a stage completion and moves the workflow on.
func (o *Orchestrator) completeStage(t *txn, def workflow.StageDef, report *workflow.CompletionReport) error {
	rec := t.s.Record(def.ID)
	status := report.Status.StageStatus()
	if status == workflow.StatusCompleted && len(rec.Warnings) > 0 {
		status = workflow.StatusCompletedWithWarnings
	}
	if err := setStatus(rec, status); err != nil {
		return err
	}
	completed := o.now()
	rec.CompletedAt = &completed
	rec.Deadline = nil
	rec.Hold = workflow.HoldNone
	rec.Cause = workflow.CauseNone
	rec.PendingReport = nil
	o.metrics.transition(def.ID, status)

	if cohort, ok := t.b.Active(def.ID); ok {
		if err := o.arrive(t, def.ID, status); err != nil {
			return err
		}
		return o.evaluateCohort(t, cohort)
	}
	return o.advance(t, def.ID, report)
}

// advance dispatches the successors of a completed stage.
func (o *Orchestrator) advance(t *txn, from workflow.StageID, report *workflow.CompletionReport) error {
	if from == workflow.StageQA && report.Outcome == workflow.OutcomeFixNeeded {
		return o.fixCycle(t, report)
	}

	next, err := o.graph.Advance(from, report, t.s.IsSkipped)
	if err != nil {
		return err
	}
	o.checkHint(t, from, report, next)
	if len(next) == 0 {
		t.s.CurrentStage = workflow.StageCompleted
		t.s.ActiveStage = ""
		o.logger.Info("Workflow completed", "workflow_id", t.s.ID)
		return nil
	}
	if cohort, ok := o.graph.CohortOf(next[0]); ok {
		return o.enterCohort(t, cohort, next, nil)
	}
	for _, id := range next {
		if aborted(t.s.Record(id)) {
			continue
		}
		if err := o.startStage(t, id); err != nil {
			return err
		}
	}
	t.s.ActiveStage = next[0]
	return nil
}

// aborted reports whether an operator cancelled the stage before it ran.
// Such a stage stays blocked until it is retried.
func aborted(rec *workflow.StageRecord) bool {
	return rec.Status == workflow.StatusBlocked && rec.Cause == workflow.CauseAborted
}

// checkHint compares the advisory next-role hint with the graph. The graph
// wins; a disagreement is only surfaced as a warning.
func (o *Orchestrator) checkHint(t *txn, from workflow.StageID, report *workflow.CompletionReport, next []workflow.StageID) {
	for _, role := range report.NextRoleHint {
		stage, ok := o.graph.StageForRole(role)
		if ok && slices.Contains(next, stage) {
			continue
		}
		msg := fmt.Sprintf("next_role_hint %s ignored after %s", role, from)
		t.warnings = append(t.warnings, msg)
		o.logger.Warn("Ignoring next role hint", "workflow_id", t.s.ID, "stage", from, "hint", role)
	}
}

// enterCohort registers the non-skipped members with the barrier and starts
// them. Members in done keep their completed status and count as arrived.
func (o *Orchestrator) enterCohort(t *txn, cohort workflow.CohortID, run []workflow.StageID, done []workflow.StageID) error {
	var members []workflow.StageID
	for _, m := range o.graph.CohortMembers(cohort) {
		if !t.s.IsSkipped(m) {
			members = append(members, m)
		}
	}
	round := 1
	if t.s.Cohort != nil {
		t.b.Release(t.s.Cohort.ID)
	}
	if t.s.FixCycles > 0 {
		round = t.s.FixCycles + 1
	}
	if err := t.b.EnterCohort(cohort, members); err != nil {
		return err
	}
	t.s.Cohort = &workflow.CohortState{ID: cohort, Members: members, Round: round}
	t.s.ActiveStage = workflow.StageID(cohort)

	for _, m := range done {
		if err := o.arrive(t, m, t.s.Record(m).Status); err != nil {
			return err
		}
	}
	for _, m := range run {
		if aborted(t.s.Record(m)) {
			if err := o.arrive(t, m, workflow.StatusBlocked); err != nil {
				return err
			}
			continue
		}
		if err := o.startStage(t, m); err != nil {
			return err
		}
	}
	o.logger.Info("Entered cohort",
		"workflow_id", t.s.ID,
		"cohort", cohort,
		"members", len(members),
		"round", round)
	return nil
}

// evaluateCohort releases the cohort once every member succeeded. A failed
// or blocked member keeps it closed; its hold pauses the workflow.
func (o *Orchestrator) evaluateCohort(t *txn, cohort workflow.CohortID) error {
	if !t.b.IsCohortSatisfied(cohort) {
		return nil
	}
	if !t.b.CanRelease(cohort) {
		o.logger.Info("Cohort satisfied with failures",
			"workflow_id", t.s.ID,
			"cohort", cohort,
			"failed", t.b.Failed(cohort))
		return nil
	}

	members := t.b.Members(cohort)
	t.b.Release(cohort)
	t.s.Cohort = nil
	done := &workflow.CompletionReport{Status: workflow.ReportCompleted}
	return o.advance(t, members[0], done)
}

// fixCycle sends the workflow from verify back to the build cohort. A valid
// hint naming cohort roles narrows the members that re-run.
func (o *Orchestrator) fixCycle(t *txn, report *workflow.CompletionReport) error {
	qa := t.s.Record(workflow.StageQA)
	if o.failures.FixCyclesExceeded(t.s.FixCycles) {
		o.addIssue(t, workflow.StageQA, workflow.SeverityHigh, workflow.ClassRetriesExhausted,
			fmt.Sprintf("fix cycle limit of %d reached", o.failures.Policy().MaxFixCycles))
		qa.Hold = workflow.HoldDecision
		qa.Cause = workflow.CauseFixCycleLimit
		qa.PendingReport = report.Clone()
		return nil
	}

	next, err := o.graph.Advance(workflow.StageQA, report, t.s.IsSkipped)
	if err != nil {
		return err
	}
	run := next
	if len(report.NextRoleHint) > 0 {
		var hinted []workflow.StageID
		for _, id := range next {
			if def, _ := o.graph.Stage(id); report.NextRoleHint.Contains(def.Role) {
				hinted = append(hinted, id)
			}
		}
		if len(hinted) > 0 {
			run = hinted
		} else {
			o.checkHint(t, workflow.StageQA, report, next)
		}
	}
	var done []workflow.StageID
	for _, id := range next {
		if !slices.Contains(run, id) {
			done = append(done, id)
		}
	}

	t.s.FixCycles++
	o.logger.Info("Verification requested fixes",
		"workflow_id", t.s.ID,
		"cycle", t.s.FixCycles,
		"rerun", run)
	cohort, _ := o.graph.CohortOf(next[0])
	return o.enterCohort(t, cohort, run, done)
}

// rollback instructs the release owner to revert to the last known-good
// output and fails the workflow. Artifacts are kept for postmortem.
func (o *Orchestrator) rollback(t *txn, def workflow.StageDef, cause workflow.Cause, reason string) error {
	rec := t.s.Record(def.ID)
	if err := setStatus(rec, workflow.StatusRolledBack); err != nil {
		return err
	}
	now := o.now()
	rec.CompletedAt = &now
	rec.Deadline = nil
	rec.Hold = workflow.HoldNone
	rec.Cause = cause
	o.addIssue(t, def.ID, workflow.SeverityCritical, workflow.ClassRollbackTriggered, reason)

	inv := o.invocation(t.s, def, rec)
	inv.Rollback = true
	inv.Inputs = append(inv.Inputs, rec.Artifacts...)
	t.invocations = append(t.invocations, inv)

	t.s.CurrentStage = workflow.StageFailed
	o.metrics.rolledBack()
	o.metrics.transition(def.ID, workflow.StatusRolledBack)
	o.logger.Warn("Rollback triggered",
		"workflow_id", t.s.ID,
		"stage", def.ID,
		"reason", reason)
	return nil
}

// dispatchReview starts the next panel member on the head of the review
// queue unless a review is already running or waits on a human.
func (o *Orchestrator) dispatchReview(t *txn) error {
	if len(t.s.ReviewQueue) == 0 {
		return nil
	}
	for _, id := range o.graph.ReviewPanel() {
		rec := t.s.Record(id)
		if rec != nil && (rec.Status == workflow.StatusInProgress || rec.Hold.NeedsHuman()) {
			return nil
		}
	}
	subject := t.s.ReviewQueue[0]
	next, ok := o.nextReviewer(t.s, subject)
	if !ok {
		return nil
	}
	t.s.Record(next).Subject = subject
	return o.startStage(t, next)
}

// nextReviewer returns the first active panel member that has not yet let
// the subject pass.
func (o *Orchestrator) nextReviewer(s *workflow.State, subject workflow.StageID) (workflow.StageID, bool) {
	var passed []workflow.Role
	if rec := s.Record(subject); rec != nil && rec.Review != nil {
		passed = rec.Review.PassedBy
	}
	for _, id := range o.graph.ReviewPanel() {
		rec := s.Record(id)
		if rec == nil || rec.Status == workflow.StatusSkipped {
			continue
		}
		def, _ := o.graph.Stage(id)
		if !slices.Contains(passed, def.Role) {
			return id, true
		}
	}
	return "", false
}

// failStage applies the failure policy to a failed report.
func (o *Orchestrator) failStage(t *txn, def workflow.StageDef, report *workflow.CompletionReport) error {
	rec := t.s.Record(def.ID)
	if failure.IsRollbackStage(def) {
		return o.rollback(t, def, workflow.CauseFailure, fmt.Sprintf("%s failed: %s", def.ID, describe(report)))
	}

	class := workflow.ClassWorkerReported
	if report.ErrorClass == workflow.ErrorTransient {
		d := o.failures.OnTransient(rec)
		if d.Retry {
			rec.Retries.Transient++
			if d.Delay == 0 {
				o.metrics.retried(def.ID, failure.ClassTransient)
				return o.startStage(t, def.ID)
			}
			if err := setStatus(rec, workflow.StatusPending); err != nil {
				return err
			}
			rec.Hold = workflow.HoldRetryScheduled
			rec.Cause = workflow.CauseFailure
			rec.Deadline = nil
			t.retries = append(t.retries, scheduledRetry{stage: def.ID, attempt: rec.Attempt, delay: d.Delay})
			o.logger.Info("Scheduled transient retry",
				"workflow_id", t.s.ID,
				"stage", def.ID,
				"retry", d.Attempt,
				"max", d.Max,
				"delay", d.Delay)
			return nil
		}
		class = workflow.ClassRetriesExhausted
	}

	o.recordIssues(t, def.ID, report, class, workflow.SeverityHigh)
	if err := halt(rec, workflow.StatusFailed, workflow.CauseFailure); err != nil {
		return err
	}
	o.metrics.transition(def.ID, workflow.StatusFailed)
	return o.arrive(t, def.ID, workflow.StatusFailed)
}

// blockStage applies a worker-reported block.
func (o *Orchestrator) blockStage(t *txn, def workflow.StageDef, report *workflow.CompletionReport) error {
	rec := t.s.Record(def.ID)
	o.recordIssues(t, def.ID, report, workflow.ClassWorkerReported, workflow.SeverityHigh)
	if err := halt(rec, workflow.StatusBlocked, workflow.CauseReportedBlock); err != nil {
		return err
	}
	o.metrics.transition(def.ID, workflow.StatusBlocked)
	return o.arrive(t, def.ID, workflow.StatusBlocked)
}

// recordIssues copies the reported issues into the state, or synthesizes
// one when the worker listed none.
func (o *Orchestrator) recordIssues(t *txn, stage workflow.StageID, report *workflow.CompletionReport, class string, fallback workflow.Severity) {
	if len(report.BlockingIssues) == 0 {
		o.addIssue(t, stage, fallback, class, fmt.Sprintf("%s reported %s: %s", stage, report.Status, describe(report)))
		return
	}
	for _, issue := range report.BlockingIssues {
		t.s.AddIssue(workflow.BlockingIssue{
			Description:        issue.Description,
			Severity:           issue.Severity,
			ResolutionRequired: issue.ResolutionRequired,
			SourceStage:        stage,
			Class:              class,
			CreatedAt:          o.now(),
		})
	}
}

func describe(report *workflow.CompletionReport) string {
	if report.Summary != "" {
		return report.Summary
	}
	if len(report.BlockingIssues) > 0 {
		return report.BlockingIssues[0].Description
	}
	return "no details reported"
}
