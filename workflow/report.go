package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// CompletionReport is the structured message a worker emits when it
// finishes, fails, or blocks on a stage.
type CompletionReport struct {
	Role      Role         `json:"role" jsonschema:"enum=product_manager,enum=system_architect,enum=frontend_engineer,enum=backend_engineer,enum=ai_engineer,enum=qa_engineer,enum=devops_engineer,enum=safety_agent,enum=governance_agent,enum=code_health_agent"`
	Stage     StageID      `json:"stage" jsonschema:"enum=requirements,enum=architecture,enum=frontend_implementation,enum=backend_implementation,enum=ai_implementation,enum=qa_testing,enum=code_health_assessment,enum=deployment,enum=safety_review,enum=governance_review"`
	Status    ReportStatus `json:"status" jsonschema:"enum=completed,enum=completed_with_warnings,enum=failed,enum=blocked,enum=requires_human_intervention"`
	Timestamp time.Time    `json:"timestamp"`
	// Attempt echoes Invocation.Attempt of the dispatch being answered
	Attempt   int      `json:"attempt,omitempty" jsonschema:"minimum=1"`
	Artifacts []string `json:"artifacts,omitempty" jsonschema:"uniqueItems=true"`

	BlockingIssues []ReportIssue `json:"blocking_issues,omitempty"`
	NextRoleHint   RoleHint      `json:"next_role_hint,omitempty"`
	Outcome        Outcome       `json:"outcome,omitempty" jsonschema:"enum=fix_needed"`
	ErrorClass     ErrorClass    `json:"error_class,omitempty" jsonschema:"enum=transient,enum=permanent"`
	Warnings       []string      `json:"warnings,omitempty"`
	Summary        string        `json:"summary,omitempty"`
}

// ReportIssue is a blocking issue as reported by a worker.
type ReportIssue struct {
	Description        string   `json:"description" jsonschema:"minLength=1"`
	Severity           Severity `json:"severity" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	ResolutionRequired bool     `json:"resolution_required,omitempty"`
}

// RoleHint is the advisory next-role hint. On the wire it is either a single
// role string or an array of roles.
type RoleHint []Role

// UnmarshalJSON accepts a string or an array of strings.
func (h *RoleHint) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*h = nil
			return nil
		}
		*h = RoleHint{Role(single)}
		return nil
	}
	var many []Role
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("next_role_hint must be a role or a list of roles: %w", err)
	}
	*h = many
	return nil
}

// MarshalJSON writes a single hint as a string and several as an array.
func (h RoleHint) MarshalJSON() ([]byte, error) {
	if len(h) == 1 {
		return json.Marshal(string(h[0]))
	}
	return json.Marshal([]Role(h))
}

// JSONSchema describes the string-or-array wire form.
func (RoleHint) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

// Contains reports whether the hint names role.
func (h RoleHint) Contains(role Role) bool {
	for _, r := range h {
		if r == role {
			return true
		}
	}
	return false
}

// Invocation is what the orchestrator hands a worker when it dispatches a stage.
type Invocation struct {
	WorkflowID string  `json:"workflow_id"`
	Role       Role    `json:"role"`
	Stage      StageID `json:"stage"`
	Attempt    int     `json:"attempt"`
	Mode       Mode    `json:"execution_mode"`

	RiskLevel *RiskLevel `json:"risk_level,omitempty"`
	// Inputs are the prior-stage artifacts the role is entitled to read
	Inputs []ArtifactRef `json:"inputs,omitempty"`

	Feedback         string   `json:"feedback,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	Regenerate       bool     `json:"regenerate,omitempty"`
	Rollback         bool     `json:"rollback,omitempty"`
	// Subject is the stage under review for review invocations
	Subject StageID `json:"subject,omitempty"`

	IssuedAt time.Time `json:"issued_at"`
}
