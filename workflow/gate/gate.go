// Package gate decides whether a validated stage completion may commit, or
// must first wait for a risk review or a human approval.
package gate

import (
	"fmt"
	"slices"
	"time"

	"github.com/c360studio/semforge/workflow"
)

// Requirement is the depth of risk review a stage completion needs.
type Requirement string

const (
	RequireNone         Requirement = "none"
	RequireAutomated    Requirement = "automated"
	RequireCollaborator Requirement = "collaborator"
)

// Outcome is the result of a gate evaluation.
type Outcome string

const (
	// Proceed means every gate is satisfied and the transition may commit.
	Proceed Outcome = "proceed"
	// AwaitReview means the review collaborator must return a verdict first.
	AwaitReview Outcome = "await_review"
	// AwaitApproval means a human must approve the completion first.
	AwaitApproval Outcome = "await_approval"
	// Fail means the automated check rejected the completion.
	Fail Outcome = "fail"
)

// ReviewRequirement maps the workflow risk level to the review a stage needs.
// An unassessed risk level requires a collaborator review at review points,
// which is where the risk level gets assessed.
func ReviewRequirement(def workflow.StageDef, risk *workflow.RiskLevel) Requirement {
	if def.Phase == workflow.PhaseReview {
		return RequireNone
	}
	if risk == nil {
		if def.ReviewPoint {
			return RequireCollaborator
		}
		return RequireNone
	}
	switch *risk {
	case workflow.RiskMedium:
		return RequireAutomated
	case workflow.RiskHigh:
		if def.ReviewPoint {
			return RequireCollaborator
		}
		return RequireAutomated
	case workflow.RiskCritical:
		return RequireCollaborator
	default:
		return RequireNone
	}
}

// Checker is the lightweight automated check used at medium risk.
type Checker interface {
	// Check returns the problems found; an empty result passes.
	Check(def workflow.StageDef, report *workflow.CompletionReport) []string
}

// StructuralChecker passes completions that list artifacts and report no
// critical issues. It never inspects artifact content.
type StructuralChecker struct{}

// Check implements Checker.
func (StructuralChecker) Check(def workflow.StageDef, report *workflow.CompletionReport) []string {
	var problems []string
	if len(report.Artifacts) == 0 {
		problems = append(problems, fmt.Sprintf("%s reported no artifacts", def.ID))
	}
	for _, issue := range report.BlockingIssues {
		if issue.Severity == workflow.SeverityCritical {
			problems = append(problems, fmt.Sprintf("critical issue reported: %s", issue.Description))
		}
	}
	return problems
}

// Input is everything the enforcer looks at for one completion.
type Input struct {
	Def    workflow.StageDef
	Record *workflow.StageRecord
	Report *workflow.CompletionReport
	Risk   *workflow.RiskLevel
}

// Result is the decision of Evaluate.
type Result struct {
	Outcome     Outcome
	Requirement Requirement
	// Problems lists the automated check failures when Outcome is Fail
	Problems []string
}

// Enforcer evaluates the risk and human gates in order.
type Enforcer struct {
	checker Checker
}

// NewEnforcer creates an enforcer. A nil checker uses StructuralChecker.
func NewEnforcer(checker Checker) *Enforcer {
	if checker == nil {
		checker = StructuralChecker{}
	}
	return &Enforcer{checker: checker}
}

// Evaluate runs the risk gate and then the human gate. A review already
// satisfied on the record counts for the risk gate, and a received approval
// counts for the human gate, so re-evaluating after a decision proceeds.
func (e *Enforcer) Evaluate(in Input) Result {
	req := ReviewRequirement(in.Def, in.Risk)
	res := Result{Outcome: Proceed, Requirement: req}

	reviewed := in.Record.Review != nil && in.Record.Review.Status.Satisfied()
	if !reviewed {
		switch req {
		case RequireCollaborator:
			res.Outcome = AwaitReview
			return res
		case RequireAutomated:
			if problems := e.checker.Check(in.Def, in.Report); len(problems) > 0 {
				res.Outcome = Fail
				res.Problems = problems
				return res
			}
		}
	}

	if NeedsApproval(in.Record, in.Report) {
		res.Outcome = AwaitApproval
	}
	return res
}

// NeedsApproval reports whether the human gate is unsatisfied.
func NeedsApproval(rec *workflow.StageRecord, report *workflow.CompletionReport) bool {
	if rec.HumanApprovalReceived {
		return false
	}
	if rec.HumanApprovalRequired {
		return true
	}
	return report != nil && report.Status == workflow.ReportRequiresHumanIntervention
}

// Verdict is a review collaborator's decision on one stage.
type Verdict struct {
	Status     workflow.ReviewStatus
	Risk       workflow.RiskLevel
	Findings   []string
	Conditions []string
}

// ParseVerdict converts the wire verdict of a review document. Reviewers
// that do not assess risk pass an empty risk level.
func ParseVerdict(verdict, risk string, findings, conditions []string) (Verdict, error) {
	v := Verdict{
		Status:     workflow.ReviewStatus(verdict),
		Risk:       workflow.RiskLevel(risk),
		Findings:   findings,
		Conditions: conditions,
	}
	switch v.Status {
	case workflow.ReviewPassed, workflow.ReviewPassedWithConditions, workflow.ReviewBlocked:
	default:
		return Verdict{}, fmt.Errorf("unknown review verdict %q", verdict)
	}
	if v.Risk != "" && !v.Risk.IsValid() {
		return Verdict{}, fmt.Errorf("unknown risk level %q", risk)
	}
	return v, nil
}

// Apply records the verdict on the subject's review and returns whether the
// reviewer let the stage pass. Findings and conditions accumulate across the
// review panel, and a plain pass after a conditional one stays conditional.
// Conditions become stage warnings.
func (v Verdict) Apply(rec *workflow.StageRecord, reviewer workflow.Role, now time.Time) bool {
	if rec.Review == nil {
		rec.Review = &workflow.ReviewRecord{RequestedAt: now}
	}
	completed := now
	rec.Review.Status = v.Status
	rec.Review.Reviewer = reviewer
	rec.Review.CompletedAt = &completed
	rec.Review.Findings = append(rec.Review.Findings, v.Findings...)
	rec.Review.Conditions = append(rec.Review.Conditions, v.Conditions...)
	if v.Status == workflow.ReviewPassed && len(rec.Review.Conditions) > 0 {
		rec.Review.Status = workflow.ReviewPassedWithConditions
	}
	if v.Status == workflow.ReviewPassedWithConditions {
		for _, c := range v.Conditions {
			rec.Warnings = append(rec.Warnings, "review condition: "+c)
		}
	}
	if !v.Status.Satisfied() {
		return false
	}
	if !slices.Contains(rec.Review.PassedBy, reviewer) {
		rec.Review.PassedBy = append(rec.Review.PassedBy, reviewer)
	}
	return true
}

// Reopen hands a review that one panel member passed on to the next member.
// What the earlier members recorded is kept.
func Reopen(rec *workflow.StageRecord, now time.Time) {
	if rec.Review == nil {
		Request(rec, now)
		return
	}
	rec.Review.Status = workflow.ReviewRequested
	rec.Review.CompletedAt = nil
}

// MarkAutomated records a passed automated check on the record.
func MarkAutomated(rec *workflow.StageRecord, now time.Time) {
	completed := now
	rec.Review = &workflow.ReviewRecord{
		Status:      workflow.ReviewAutomated,
		RequestedAt: now,
		CompletedAt: &completed,
	}
}

// Request opens a collaborator review on the record.
func Request(rec *workflow.StageRecord, now time.Time) {
	rec.Review = &workflow.ReviewRecord{Status: workflow.ReviewRequested, RequestedAt: now}
}

// Override marks a blocked review as overridden by a human tiebreak.
func Override(rec *workflow.StageRecord, actor string, now time.Time) {
	if rec.Review == nil {
		rec.Review = &workflow.ReviewRecord{RequestedAt: now}
	}
	completed := now
	rec.Review.Status = workflow.ReviewOverridden
	rec.Review.CompletedAt = &completed
	if actor != "" {
		rec.Review.Findings = append(rec.Review.Findings, "overridden by "+actor)
	}
}
