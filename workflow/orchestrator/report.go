package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/failure"
	"github.com/c360studio/semforge/workflow/gate"
	"github.com/c360studio/semforge/workflow/validation"
)

// HandleReport runs a raw completion report through the transition function.
//
// Schema violations return a *workflow.SchemaError; the state is unchanged
// and a regeneration invocation goes back to the worker. Out-of-order or
// misattributed reports return a *workflow.SequenceError. Stale and replayed
// reports return Duplicate with no error. When schema retries are exhausted
// the resulting blocking issue is committed and ErrRetriesExhausted returned.
func (o *Orchestrator) HandleReport(ctx context.Context, raw []byte) (Result, error) {
	o.mu.Lock()
	result, t, err := o.handleReport(ctx, raw)
	o.mu.Unlock()

	o.metrics.report(result.Stage, result.Disposition)
	if t != nil {
		o.dispatch(ctx, t.invocations)
	}
	return result, err
}

func (o *Orchestrator) handleReport(ctx context.Context, raw []byte) (Result, *txn, error) {
	current := func(d Disposition, stage workflow.StageID) Result {
		return Result{Disposition: d, Stage: stage, CurrentStage: o.state.CurrentStage}
	}

	if o.closed || o.state.IsClosed() {
		return current(Rejected, ""), nil, workflow.ErrWorkflowClosed
	}
	if o.state.Escalated {
		return current(Rejected, ""), nil, workflow.ErrEscalated
	}

	env, err := validation.ReadEnvelope(raw)
	if err != nil {
		return current(Rejected, ""), nil, err
	}
	def, ok := o.graph.Stage(env.Stage)
	if !ok {
		return current(Rejected, env.Stage), nil, fmt.Errorf("%w: %q", workflow.ErrUnknownStage, env.Stage)
	}
	if env.Role != def.Role {
		return current(Rejected, def.ID), nil, &workflow.SequenceError{
			Stage:  def.ID,
			Role:   env.Role,
			Reason: fmt.Sprintf("stage is owned by %s", def.Role),
		}
	}

	rec := o.state.Record(def.ID)
	if dup, err := acceptable(rec); err != nil || dup {
		if dup {
			o.logger.Debug("Ignoring duplicate report",
				"workflow_id", o.state.ID,
				"stage", def.ID,
				"status", rec.Status)
			return current(Duplicate, def.ID), nil, nil
		}
		return current(Rejected, def.ID), nil, err
	}
	if stale(rec, env) {
		o.logger.Debug("Ignoring report for an earlier dispatch",
			"workflow_id", o.state.ID,
			"stage", def.ID,
			"attempt", rec.Attempt,
			"report_attempt", env.Attempt,
			"report_timestamp", env.Timestamp)
		return current(Duplicate, def.ID), nil, nil
	}

	if o.failures.SchemaExhausted(o.state.ID, def.ID) {
		return o.schemaExhausted(ctx, def)
	}

	report, docs, errs := o.validate(ctx, def, raw)
	if len(errs) > 0 {
		return o.rejectSchema(def, rec, errs)
	}
	o.failures.ClearSchema(o.state.ID, def.ID)

	t := o.begin()
	if err := o.apply(t, def, report, docs); err != nil {
		return current(Rejected, def.ID), nil, err
	}
	if err := o.commit(ctx, t); err != nil {
		return current(Rejected, def.ID), nil, err
	}
	o.logger.Info("Report accepted",
		"workflow_id", t.s.ID,
		"stage", def.ID,
		"status", report.Status,
		"current_stage", t.s.CurrentStage)
	return o.result(t, Accepted, def.ID), t, nil
}

// acceptable decides whether a report for rec may be applied. Reports for
// stages that already reached a terminal status, or that are held at a gate,
// are duplicates.
func acceptable(rec *workflow.StageRecord) (duplicate bool, err error) {
	switch rec.Status {
	case workflow.StatusSkipped:
		return false, &workflow.SequenceError{Stage: rec.Stage, Role: rec.Role, Reason: "stage is skipped in this execution mode"}
	case workflow.StatusPending:
		if rec.Hold == workflow.HoldRetryScheduled {
			return true, nil
		}
		return false, &workflow.SequenceError{Stage: rec.Stage, Role: rec.Role, Reason: "stage has not been dispatched"}
	case workflow.StatusInProgress:
		return rec.Hold != workflow.HoldNone, nil
	default:
		return true, nil
	}
}

// stale reports whether a report answers an earlier dispatch of rec: it
// echoes another attempt, or it was written before the current attempt
// started. Timestamps have second precision.
func stale(rec *workflow.StageRecord, env *validation.Envelope) bool {
	if env.Attempt != 0 && env.Attempt != rec.Attempt {
		return true
	}
	if rec.StartedAt == nil || env.Timestamp.IsZero() {
		return false
	}
	return env.Timestamp.Before(rec.StartedAt.Truncate(time.Second))
}

// validate checks the report and every artifact it references. It returns
// the decoded report and the artifact documents, or the field errors.
func (o *Orchestrator) validate(ctx context.Context, def workflow.StageDef, raw []byte) (*workflow.CompletionReport, map[string][]byte, []string) {
	report, res, err := o.validator.DecodeReport(raw)
	if err != nil {
		return nil, nil, []string{err.Error()}
	}
	if !res.Valid {
		return nil, nil, res.Errors
	}

	var errs []string
	docs := make(map[string][]byte, len(report.Artifacts))
	for _, key := range report.Artifacts {
		doc, err := o.artifacts.Get(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: artifact could not be read: %v", key, err))
			continue
		}
		ar, err := o.validator.ValidateArtifact(def.ID, key, doc)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		errs = append(errs, ar.Errors...)
		docs[key] = doc
	}

	if len(errs) == 0 && def.Phase == workflow.PhaseReview && report.Status.IsSuccess() {
		subject := o.state.Record(def.ID).Subject
		covered, _, err := o.reviewDocument(def, report, docs)
		switch {
		case err != nil:
			errs = append(errs, err.Error())
		case covered != subject:
			errs = append(errs, fmt.Sprintf("subject_stage: review covers %s, expected %s", covered, subject))
		}
	}
	return report, docs, errs
}

// reviewDocument decodes the verdict document of a review stage and returns
// the stage it covers with the parsed verdict.
func (o *Orchestrator) reviewDocument(def workflow.StageDef, report *workflow.CompletionReport, docs map[string][]byte) (workflow.StageID, gate.Verdict, error) {
	if len(report.Artifacts) == 0 {
		return "", gate.Verdict{}, errors.New("artifacts: review report lists no verdict document")
	}
	doc := docs[report.Artifacts[0]]
	if def.ID == workflow.StageGovernanceReview {
		review, err := o.validator.DecodeGovernanceReview(doc)
		if err != nil {
			return "", gate.Verdict{}, err
		}
		verdict, err := gate.ParseVerdict(review.Verdict, "", review.Findings, review.Conditions)
		return workflow.StageID(review.SubjectStage), verdict, err
	}
	review, err := o.validator.DecodeSafetyReview(doc)
	if err != nil {
		return "", gate.Verdict{}, err
	}
	verdict, err := gate.ParseVerdict(review.Verdict, review.RiskLevel, review.Findings, review.Conditions)
	return workflow.StageID(review.SubjectStage), verdict, err
}

// rejectSchema counts a validation failure and returns the errors to the
// worker with a regeneration invocation. The state is not touched. The
// failure that reaches the retry bound dispatches nothing: the error is
// marked final and the next submission is refused.
func (o *Orchestrator) rejectSchema(def workflow.StageDef, rec *workflow.StageRecord, errs []string) (Result, *txn, error) {
	schemaName, _ := validation.SchemaFor(def.ID)
	d := o.failures.RecordSchemaFailure(o.state.ID, def.ID, errs)
	result := Result{
		Disposition:  Rejected,
		Stage:        def.ID,
		CurrentStage: o.state.CurrentStage,
		Errors:       errs,
	}
	schemaErr := &workflow.SchemaError{Schema: schemaName, Errors: errs, Final: d.Exhausted}

	if d.Exhausted {
		o.logger.Warn("Report failed validation, retry bound reached",
			"workflow_id", o.state.ID,
			"stage", def.ID,
			"attempt", d.Attempt,
			"max", d.MaxAttempts,
			"errors", len(errs))
		return result, nil, schemaErr
	}

	inv := o.invocation(o.state, def, rec)
	inv.Regenerate = true
	inv.ValidationErrors = errs
	feedback := (&validation.Result{Schema: schemaName, Errors: errs}).FormatFeedback()
	if inv.Feedback != "" {
		feedback = inv.Feedback + "\n\n" + feedback
	}
	inv.Feedback = feedback

	o.logger.Warn("Report failed validation",
		"workflow_id", o.state.ID,
		"stage", def.ID,
		"attempt", d.Attempt,
		"max", d.MaxAttempts,
		"errors", len(errs))
	o.metrics.retried(def.ID, failure.ClassSchema)

	result.Dispatched = []workflow.StageID{def.ID}
	return result, &txn{invocations: []workflow.Invocation{inv}}, schemaErr
}

// schemaExhausted turns a report beyond the schema retry bound into a high
// blocking issue and halts the stage.
func (o *Orchestrator) schemaExhausted(ctx context.Context, def workflow.StageDef) (Result, *txn, error) {
	limit := o.failures.Policy().Schema.MaxRetries
	t := o.begin()
	rec := t.s.Record(def.ID)
	o.addIssue(t, def.ID, workflow.SeverityHigh, workflow.ClassRetriesExhausted,
		fmt.Sprintf("%s: schema validation failed %d times, retries exhausted", def.ID, limit))
	if err := halt(rec, workflow.StatusBlocked, workflow.CauseSchema); err != nil {
		return Result{Disposition: Rejected, Stage: def.ID, CurrentStage: o.state.CurrentStage}, nil, err
	}
	if err := o.arrive(t, def.ID, workflow.StatusBlocked); err != nil {
		return Result{Disposition: Rejected, Stage: def.ID, CurrentStage: o.state.CurrentStage}, nil, err
	}
	if err := o.commit(ctx, t); err != nil {
		return Result{Disposition: Rejected, Stage: def.ID, CurrentStage: o.state.CurrentStage}, nil, err
	}
	o.logger.Warn("Schema retries exhausted", "workflow_id", t.s.ID, "stage", def.ID)
	return o.result(t, Rejected, def.ID), t,
		fmt.Errorf("%w: %s exceeded %d schema validation attempts", workflow.ErrRetriesExhausted, def.ID, limit)
}

// apply mutates the transaction for a validated report.
func (o *Orchestrator) apply(t *txn, def workflow.StageDef, report *workflow.CompletionReport, docs map[string][]byte) error {
	rec := t.s.Record(def.ID)
	schemaName, _ := validation.SchemaFor(def.ID)
	for _, key := range report.Artifacts {
		rec.AddArtifacts(workflow.ArtifactRef{Key: key, Schema: schemaName})
	}
	rec.Warnings = append(rec.Warnings, report.Warnings...)

	switch report.Status {
	case workflow.ReportFailed:
		return o.failStage(t, def, report)
	case workflow.ReportBlocked:
		return o.blockStage(t, def, report)
	}
	if def.Phase == workflow.PhaseReview {
		return o.applyReview(t, def, report, docs)
	}
	return o.applyGates(t, def, report)
}

// applyReview records the collaborator's verdict on the subject stage. A
// pass hands the subject to the next panel member, and the last pass
// continues the subject's gates. A block from any member ends the review.
func (o *Orchestrator) applyReview(t *txn, def workflow.StageDef, report *workflow.CompletionReport, docs map[string][]byte) error {
	rec := t.s.Record(def.ID)
	subject := rec.Subject
	_, verdict, err := o.reviewDocument(def, report, docs)
	if err != nil {
		return err
	}

	if err := setStatus(rec, workflow.StatusCompleted); err != nil {
		return err
	}
	now := o.now()
	rec.CompletedAt = &now
	rec.Deadline = nil
	if t.s.RiskLevel == nil && verdict.Risk != "" {
		r := verdict.Risk
		t.s.RiskLevel = &r
		o.logger.Info("Risk level assessed", "workflow_id", t.s.ID, "risk_level", r, "stage", subject)
	}

	subjectDef, _ := o.graph.Stage(subject)
	subjectRec := t.s.Record(subject)
	if !verdict.Apply(subjectRec, def.Role, now) {
		t.s.ReviewQueue = removeStage(t.s.ReviewQueue, subject)
		subjectRec.Hold = workflow.HoldMediation
		subjectRec.Cause = workflow.CauseReviewBlocked
		o.addIssue(t, subject, workflow.SeverityCritical, workflow.ClassGateNotSatisfied,
			fmt.Sprintf("review blocked %s: %s", subject, joinOr(verdict.Findings, "no findings given")))
		t.s.Interact(subject, workflow.InteractionMediationRequested,
			fmt.Sprintf("Review blocked %s; human mediation required", subject), string(def.Role), now)
		o.metrics.gatePaused(subject, "mediation")
		return o.dispatchReview(t)
	}

	if next, ok := o.nextReviewer(t.s, subject); ok {
		gate.Reopen(subjectRec, now)
		o.logger.Info("Review passed, next reviewer requested",
			"workflow_id", t.s.ID,
			"stage", subject,
			"passed_by", def.Role,
			"next", next)
		return o.dispatchReview(t)
	}

	t.s.ReviewQueue = removeStage(t.s.ReviewQueue, subject)
	subjectRec.Hold = workflow.HoldNone
	pending := subjectRec.PendingReport
	if pending == nil {
		return fmt.Errorf("review of %s: no pending report", subject)
	}
	subjectRec.PendingReport = nil
	if err := o.applyGates(t, subjectDef, pending); err != nil {
		return err
	}
	return o.dispatchReview(t)
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, "; ")
}
