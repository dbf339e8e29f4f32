// Package validation provides schema validation for stage artifacts and
// completion reports. Schemas are generated from the typed contracts in
// contracts.go and enforced with a JSON Schema validator, so every document
// is checked at the boundary and decoded into a typed value afterwards.
package validation

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semforge/workflow"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// Result contains the result of document validation.
type Result struct {
	Valid    bool     `json:"valid"`
	Schema   string   `json:"schema"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Err converts an invalid result into a SchemaError.
func (r *Result) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	return &workflow.SchemaError{Schema: r.Schema, Errors: r.Errors}
}

// FormatFeedback formats validation results as feedback for regeneration.
func (r *Result) FormatFeedback() string {
	if r.Valid {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Validation Failed\n\n")
	fmt.Fprintf(&sb, "The document does not satisfy the %s schema.\n\n", r.Schema)
	sb.WriteString("### Errors\n\n")
	for _, e := range r.Errors {
		fmt.Fprintf(&sb, "- %s\n", e)
	}
	if len(r.Warnings) > 0 {
		sb.WriteString("\n### Warnings\n\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&sb, "- %s\n", w)
		}
	}
	sb.WriteString("\nPlease regenerate the document addressing these issues.\n")
	return sb.String()
}

// Validator validates documents against the compiled contract schemas.
// It is safe for concurrent use once constructed.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	raw     map[string][]byte
}

// NewValidator generates and compiles every contract schema.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(contracts)),
		raw:     make(map[string][]byte, len(contracts)),
	}
	for name, contract := range contracts {
		data, err := generateSchema(name, contract)
		if err != nil {
			return nil, err
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = compiled
		v.raw[name] = data
	}
	return v, nil
}

func generateSchema(name string, contract any) ([]byte, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(contract)
	s.Version = ""
	s.Title = name
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("generate schema %s: %w", name, err)
	}
	return data, nil
}

// SchemaNames returns the registered schema names, sorted.
func (v *Validator) SchemaNames() []string {
	names := make([]string, 0, len(v.raw))
	for name := range v.raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaJSON returns the generated JSON Schema document for a schema name.
func (v *Validator) SchemaJSON(name string) ([]byte, error) {
	data, ok := v.raw[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return data, nil
}

// SchemaFor returns the schema a stage's artifacts must satisfy.
func SchemaFor(stage workflow.StageID) (string, error) {
	name, ok := stageSchemas[stage]
	if !ok {
		return "", fmt.Errorf("%w: %q", workflow.ErrUnknownStage, stage)
	}
	return name, nil
}

// SchemaForArtifact infers a schema from an artifact's file name.
func SchemaForArtifact(key string) (string, bool) {
	name, ok := artifactSchemas[path.Base(key)]
	return name, ok
}

// KnownArtifacts returns the artifact file names with a schema mapping, sorted.
func KnownArtifacts() []string {
	names := make([]string, 0, len(artifactSchemas))
	for name := range artifactSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a JSON document against a named schema. The error is only
// set for unknown schema names; document problems are reported in the result.
func (v *Validator) Validate(doc []byte, schemaName string) (*Result, error) {
	schema, ok := v.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schemaName)
	}
	result := &Result{Valid: true, Schema: schemaName}

	res, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("invalid JSON syntax: %v", err))
		return result, nil
	}
	if !res.Valid() {
		result.Valid = false
		for _, e := range res.Errors() {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
	}
	return result, nil
}

// Envelope is the minimal routing information of a completion report.
// Attempt and Timestamp are zero when absent or malformed; full validation
// reports those.
type Envelope struct {
	Role      workflow.Role
	Stage     workflow.StageID
	Attempt   int
	Timestamp time.Time
}

// ReadEnvelope extracts role, stage, attempt and timestamp without
// validating the rest.
func ReadEnvelope(raw []byte) (*Envelope, error) {
	var wire struct {
		Role      workflow.Role    `json:"role"`
		Stage     workflow.StageID `json:"stage"`
		Attempt   json.RawMessage  `json:"attempt"`
		Timestamp json.RawMessage  `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &workflow.SchemaError{
			Schema: SchemaCompletionSignal,
			Errors: []string{fmt.Sprintf("invalid JSON syntax: %v", err)},
		}
	}
	env := &Envelope{Role: wire.Role, Stage: wire.Stage}
	if len(wire.Attempt) > 0 {
		_ = json.Unmarshal(wire.Attempt, &env.Attempt)
	}
	if len(wire.Timestamp) > 0 {
		var ts time.Time
		if err := json.Unmarshal(wire.Timestamp, &ts); err == nil {
			env.Timestamp = ts.Truncate(time.Second)
		}
	}
	return env, nil
}

// DecodeReport validates a raw completion report and decodes it. An invalid
// report returns a nil report and a result listing every problem found.
func (v *Validator) DecodeReport(raw []byte) (*workflow.CompletionReport, *Result, error) {
	result, err := v.Validate(raw, SchemaCompletionSignal)
	if err != nil {
		return nil, nil, err
	}
	if !result.Valid {
		return nil, result, nil
	}

	var report workflow.CompletionReport
	if err := json.Unmarshal(raw, &report); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("decode report: %v", err))
		return nil, result, nil
	}
	report.Timestamp = report.Timestamp.Truncate(time.Second)

	for _, problem := range checkReport(&report) {
		result.Valid = false
		result.Errors = append(result.Errors, problem)
	}
	if !result.Valid {
		return nil, result, nil
	}
	if report.Status == workflow.ReportCompletedWithWarnings && len(report.Warnings) == 0 {
		result.Warnings = append(result.Warnings, "status is completed_with_warnings but no warnings were listed")
	}
	return &report, result, nil
}

// checkReport applies the rules a schema can not express.
func checkReport(r *workflow.CompletionReport) []string {
	var problems []string
	if r.Status == workflow.ReportBlocked && len(r.BlockingIssues) == 0 {
		problems = append(problems, "status: blocked requires blocking_issues")
	}
	if r.Status.IsSuccess() && len(r.Artifacts) == 0 {
		problems = append(problems, fmt.Sprintf("artifacts: status %s requires at least one artifact", r.Status))
	}
	if r.Outcome != "" && r.Stage != workflow.StageQA {
		problems = append(problems, fmt.Sprintf("outcome: %s is only valid for %s", r.Outcome, workflow.StageQA))
	}
	if r.ErrorClass != "" && r.Status != workflow.ReportFailed {
		problems = append(problems, "error_class: only valid for failed reports")
	}
	for _, role := range r.NextRoleHint {
		if !role.IsValid() {
			problems = append(problems, fmt.Sprintf("next_role_hint: unknown role %q", role))
		}
	}
	return problems
}

// ValidateArtifact validates an artifact document against the stage's schema.
func (v *Validator) ValidateArtifact(stage workflow.StageID, key string, doc []byte) (*Result, error) {
	schemaName, err := SchemaFor(stage)
	if err != nil {
		return nil, err
	}
	result, err := v.Validate(doc, schemaName)
	if err != nil {
		return nil, err
	}
	for i, e := range result.Errors {
		result.Errors[i] = key + ": " + e
	}
	return result, nil
}

// DecodeSafetyReview validates and decodes a review verdict document.
func (v *Validator) DecodeSafetyReview(doc []byte) (*SafetyReview, error) {
	result, err := v.Validate(doc, SchemaSafety)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var review SafetyReview
	if err := json.Unmarshal(doc, &review); err != nil {
		return nil, fmt.Errorf("decode safety review: %w", err)
	}
	return &review, nil
}

// DecodeGovernanceReview validates and decodes a governance verdict document.
func (v *Validator) DecodeGovernanceReview(doc []byte) (*GovernanceReview, error) {
	result, err := v.Validate(doc, SchemaGovernance)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var review GovernanceReview
	if err := json.Unmarshal(doc, &review); err != nil {
		return nil, fmt.Errorf("decode governance review: %w", err)
	}
	return &review, nil
}

// DecodeState validates and decodes a persisted workflow state document.
func (v *Validator) DecodeState(doc []byte) (*workflow.State, error) {
	result, err := v.Validate(doc, SchemaWorkflowState)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var s workflow.State
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode workflow state: %w", err)
	}
	return &s, nil
}
