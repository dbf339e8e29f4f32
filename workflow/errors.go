package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for the orchestration core.
var (
	// ErrSchemaViolation means a report or artifact failed its schema.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrSequenceViolation means a transition the stage graph does not allow.
	ErrSequenceViolation = errors.New("sequence violation")
	// ErrGateNotSatisfied means a risk or human gate paused the workflow.
	ErrGateNotSatisfied = errors.New("gate not satisfied")
	// ErrCohortMemberFailure means a cohort member failed or blocked.
	ErrCohortMemberFailure = errors.New("cohort member failure")
	// ErrTimeoutExceeded means a stage ran past its deadline.
	ErrTimeoutExceeded = errors.New("timeout exceeded")
	// ErrRollbackTriggered means a release failure rolled the workflow back.
	ErrRollbackTriggered = errors.New("rollback triggered")

	ErrUnknownStage      = errors.New("unknown stage")
	ErrInvalidDecision   = errors.New("invalid decision")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrEscalated         = errors.New("workflow escalated: manual state edit required")
	ErrWorkflowClosed    = errors.New("workflow closed")
	ErrHaltWithoutReason = errors.New("halted state has no blocking issue or pending approval")
)

// Issue classes recorded on blocking issues.
const (
	ClassSchemaViolation     = "SchemaViolation"
	ClassSequenceViolation   = "SequenceViolation"
	ClassGateNotSatisfied    = "GateNotSatisfied"
	ClassCohortMemberFailure = "CohortMemberFailure"
	ClassTimeoutExceeded     = "TimeoutExceeded"
	ClassRollbackTriggered   = "RollbackTriggered"
	ClassWorkerReported      = "WorkerReported"
	ClassHumanRejection      = "HumanRejection"
	ClassEscalation          = "Escalation"
	ClassRetriesExhausted    = "RetriesExhausted"
)

// SequenceError describes an out-of-order or misattributed report.
type SequenceError struct {
	Stage  StageID
	Role   Role
	Reason string
}

func (e *SequenceError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("sequence violation: stage %s role %s: %s", e.Stage, e.Role, e.Reason)
	}
	return fmt.Sprintf("sequence violation: stage %s: %s", e.Stage, e.Reason)
}

// Unwrap returns ErrSequenceViolation.
func (e *SequenceError) Unwrap() error {
	return ErrSequenceViolation
}

// SchemaError carries the field errors of a failed validation.
type SchemaError struct {
	Schema   string
	Document string
	Errors   []string
	// Final is set on the last failure the retry bound allows; the next
	// submission for the stage is refused.
	Final bool
}

func (e *SchemaError) Error() string {
	target := e.Schema
	if e.Document != "" {
		target = e.Document + " against " + e.Schema
	}
	msg := fmt.Sprintf("schema violation: %s: %s", target, strings.Join(e.Errors, "; "))
	if e.Final {
		msg += " (retry bound reached, the next submission is refused)"
	}
	return msg
}

// Unwrap returns ErrSchemaViolation.
func (e *SchemaError) Unwrap() error {
	return ErrSchemaViolation
}
