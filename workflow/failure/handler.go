// Package failure classifies stage failures and decides between retry,
// escalation to a human, and rollback.
package failure

import (
	"fmt"
	"time"

	"github.com/c360studio/semforge/workflow"
)

// Class is a failure class with its own retry rule.
type Class string

const (
	ClassSchema    Class = "schema_validation"
	ClassTransient Class = "transient"
	ClassTimeout   Class = "timeout"
)

// Rule bounds retries for one failure class.
type Rule struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// Policy holds the retry rules and timeout settings.
type Policy struct {
	Schema    Rule `yaml:"schema"`
	Transient Rule `yaml:"transient"`
	Timeout   Rule `yaml:"timeout"`

	// DefaultTimeout applies when a stage defines none
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// StageTimeouts override the stage-class defaults
	StageTimeouts map[workflow.StageID]time.Duration `yaml:"stage_timeouts,omitempty"`
	// MaxFixCycles bounds verify → build round trips
	MaxFixCycles int `yaml:"max_fix_cycles"`
}

// DefaultPolicy returns the standard retry table: schema 3 with no backoff,
// transient 2 with a fixed delay, timeout 1 requiring a human decision.
func DefaultPolicy() Policy {
	return Policy{
		Schema:         Rule{MaxRetries: 3},
		Transient:      Rule{MaxRetries: 2, Backoff: 30 * time.Second},
		Timeout:        Rule{MaxRetries: 1},
		DefaultTimeout: time.Hour,
		MaxFixCycles:   3,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.Schema.MaxRetries < 1 {
		return fmt.Errorf("schema max_retries must be at least 1")
	}
	if p.Transient.MaxRetries < 0 || p.Timeout.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if p.Transient.Backoff < 0 {
		return fmt.Errorf("transient backoff must not be negative")
	}
	if p.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	if p.MaxFixCycles < 0 {
		return fmt.Errorf("max_fix_cycles must not be negative")
	}
	for stage, d := range p.StageTimeouts {
		if d <= 0 {
			return fmt.Errorf("stage timeout for %s must be positive", stage)
		}
	}
	return nil
}

// Handler applies a Policy to stage records.
type Handler struct {
	policy  Policy
	tracker *RetryTracker
}

// NewHandler creates a failure handler.
func NewHandler(policy Policy) *Handler {
	return &Handler{
		policy:  policy,
		tracker: NewRetryTracker(policy.Schema.MaxRetries),
	}
}

// Policy returns the active policy.
func (h *Handler) Policy() Policy {
	return h.policy
}

// SchemaDecision is the outcome of a validation failure.
type SchemaDecision struct {
	Attempt     int
	MaxAttempts int
	// Exhausted means no further regeneration is allowed
	Exhausted bool
}

// SchemaExhausted reports whether a stage may no longer submit reports.
func (h *Handler) SchemaExhausted(workflowID string, stage workflow.StageID) bool {
	return h.tracker.Exhausted(workflowID, string(stage))
}

// RecordSchemaFailure counts a validation failure. The worker regenerates
// until the bound is reached; the next submission is then refused.
func (h *Handler) RecordSchemaFailure(workflowID string, stage workflow.StageID, errs []string) SchemaDecision {
	attempt := h.tracker.RecordFailure(workflowID, string(stage), errs)
	return SchemaDecision{
		Attempt:     attempt,
		MaxAttempts: h.policy.Schema.MaxRetries,
		Exhausted:   attempt >= h.policy.Schema.MaxRetries,
	}
}

// SchemaAttempts returns the failures recorded for a stage.
func (h *Handler) SchemaAttempts(workflowID string, stage workflow.StageID) int {
	return h.tracker.Attempts(workflowID, string(stage))
}

// ClearSchema resets the validation counter of a stage.
func (h *Handler) ClearSchema(workflowID string, stage workflow.StageID) {
	h.tracker.Clear(workflowID, string(stage))
}

// ClearWorkflow drops every counter of a workflow.
func (h *Handler) ClearWorkflow(workflowID string) {
	h.tracker.ClearWorkflow(workflowID)
}

// RetryDecision is the outcome of a transient failure.
type RetryDecision struct {
	Retry   bool
	Delay   time.Duration
	Attempt int
	Max     int
}

// OnTransient decides whether a transient failure is retried automatically.
func (h *Handler) OnTransient(rec *workflow.StageRecord) RetryDecision {
	used := rec.Retries.Transient
	return RetryDecision{
		Retry:   used < h.policy.Transient.MaxRetries,
		Delay:   h.policy.Transient.Backoff,
		Attempt: used + 1,
		Max:     h.policy.Transient.MaxRetries,
	}
}

// CanRetryTimeout reports whether an operator retry after a timeout is allowed.
func (h *Handler) CanRetryTimeout(rec *workflow.StageRecord) bool {
	return rec.Retries.Timeout < h.policy.Timeout.MaxRetries
}

// Timeout returns the timeout for a stage. Precedence: policy table override,
// configured override, stage-class default, global default.
func (h *Handler) Timeout(def workflow.StageDef, res *workflow.Resolution) time.Duration {
	if res != nil {
		if d, ok := res.Timeouts[def.ID]; ok {
			return d
		}
	}
	if d, ok := h.policy.StageTimeouts[def.ID]; ok {
		return d
	}
	if def.Timeout > 0 {
		return def.Timeout
	}
	return h.policy.DefaultTimeout
}

// Expired reports whether an in-progress stage ran past its deadline.
func Expired(rec *workflow.StageRecord, now time.Time) bool {
	if rec.Status != workflow.StatusInProgress || rec.Deadline == nil {
		return false
	}
	switch rec.Hold {
	case workflow.HoldNone, workflow.HoldReview:
	default:
		return false
	}
	return now.After(*rec.Deadline)
}

// IsRollbackStage reports whether failures of the stage trigger a rollback.
func IsRollbackStage(def workflow.StageDef) bool {
	return def.Phase == workflow.PhaseRelease
}

// FixCyclesExceeded reports whether another verify → build round trip is refused.
func (h *Handler) FixCyclesExceeded(cycles int) bool {
	return cycles >= h.policy.MaxFixCycles
}
