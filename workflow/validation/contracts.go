package validation

import (
	"time"

	"github.com/c360studio/semforge/workflow"
)

// Stage output contracts. Each stage's document is one variant of a closed
// set; the JSON Schemas the validator enforces are generated from these types.

// RequirementsPacket is the product manager's output.
type RequirementsPacket struct {
	ProductName        string      `json:"product_name" jsonschema:"minLength=1"`
	Summary            string      `json:"summary" jsonschema:"minLength=1"`
	TargetUsers        []string    `json:"target_users,omitempty"`
	UserStories        []UserStory `json:"user_stories" jsonschema:"minItems=1"`
	NonFunctional      []string    `json:"non_functional_requirements,omitempty"`
	OutOfScope         []string    `json:"out_of_scope,omitempty"`
	SuccessMetrics     []string    `json:"success_metrics,omitempty"`
	RecommendedProject string      `json:"recommended_project_type,omitempty"`
}

// UserStory is a single user story with acceptance criteria.
type UserStory struct {
	ID                 string   `json:"id" jsonschema:"minLength=1"`
	Title              string   `json:"title" jsonschema:"minLength=1"`
	Priority           string   `json:"priority,omitempty" jsonschema:"enum=must,enum=should,enum=could"`
	AcceptanceCriteria []string `json:"acceptance_criteria" jsonschema:"minItems=1"`
}

// ArchitecturePacket is the system architect's handover.
type ArchitecturePacket struct {
	Summary    string       `json:"summary" jsonschema:"minLength=1"`
	Components []Component  `json:"components" jsonschema:"minItems=1"`
	Interfaces []Interface  `json:"interfaces,omitempty"`
	Decisions  []Decision   `json:"decisions,omitempty"`
	TechStack  []string     `json:"tech_stack,omitempty"`
	Risks      []string     `json:"risks,omitempty"`
	Workstream []Workstream `json:"workstreams,omitempty"`
}

// Component is one architectural building block.
type Component struct {
	Name           string `json:"name" jsonschema:"minLength=1"`
	Responsibility string `json:"responsibility" jsonschema:"minLength=1"`
	Owner          string `json:"owner_role,omitempty" jsonschema:"enum=frontend_engineer,enum=backend_engineer,enum=ai_engineer,enum=devops_engineer"`
}

// Interface is a contract between components.
type Interface struct {
	Name     string `json:"name" jsonschema:"minLength=1"`
	Provider string `json:"provider" jsonschema:"minLength=1"`
	Consumer string `json:"consumer" jsonschema:"minLength=1"`
	Protocol string `json:"protocol,omitempty"`
}

// Decision is an architecture decision record.
type Decision struct {
	Title     string `json:"title" jsonschema:"minLength=1"`
	Rationale string `json:"rationale" jsonschema:"minLength=1"`
}

// Workstream assigns work to a build role.
type Workstream struct {
	Role  string   `json:"role" jsonschema:"enum=frontend_engineer,enum=backend_engineer,enum=ai_engineer"`
	Tasks []string `json:"tasks" jsonschema:"minItems=1"`
}

// ImplementationReport is the output of every build cohort member.
type ImplementationReport struct {
	Role         string   `json:"role" jsonschema:"enum=frontend_engineer,enum=backend_engineer,enum=ai_engineer"`
	Summary      string   `json:"summary" jsonschema:"minLength=1"`
	FilesChanged []string `json:"files_changed" jsonschema:"minItems=1"`
	TestsAdded   int      `json:"tests_added" jsonschema:"minimum=0"`
	KnownIssues  []string `json:"known_issues,omitempty"`
	Followups    []string `json:"followups,omitempty"`
}

// QAReport is the verification output.
type QAReport struct {
	Summary     string   `json:"summary" jsonschema:"minLength=1"`
	TestsRun    int      `json:"tests_run" jsonschema:"minimum=0"`
	TestsFailed int      `json:"tests_failed" jsonschema:"minimum=0"`
	Verdict     string   `json:"verdict" jsonschema:"enum=pass,enum=fix_needed"`
	Defects     []Defect `json:"defects,omitempty"`
}

// Defect is a verification finding routed back to a build role.
type Defect struct {
	ID          string `json:"id" jsonschema:"minLength=1"`
	Severity    string `json:"severity" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	OwnerRole   string `json:"owner_role" jsonschema:"enum=frontend_engineer,enum=backend_engineer,enum=ai_engineer"`
	Description string `json:"description" jsonschema:"minLength=1"`
}

// DeploymentReport is the release output.
type DeploymentReport struct {
	Environment string    `json:"environment" jsonschema:"minLength=1"`
	Version     string    `json:"version" jsonschema:"minLength=1"`
	Outcome     string    `json:"outcome" jsonschema:"enum=deployed,enum=failed,enum=rolled_back"`
	URL         string    `json:"url,omitempty"`
	DeployedAt  time.Time `json:"deployed_at"`
	RollbackRef string    `json:"rollback_ref,omitempty"`
}

// ArchitectureAssessment is the architect's risk and feasibility assessment
// that accompanies a design.
type ArchitectureAssessment struct {
	Summary         string            `json:"summary" jsonschema:"minLength=1"`
	Feasibility     string            `json:"feasibility" jsonschema:"enum=feasible,enum=feasible_with_changes,enum=not_feasible"`
	RiskLevel       string            `json:"risk_level" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	Concerns        []AssessedConcern `json:"concerns,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// AssessedConcern is one risk raised by an assessment.
type AssessedConcern struct {
	Area        string `json:"area" jsonschema:"minLength=1"`
	Severity    string `json:"severity" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	Description string `json:"description" jsonschema:"minLength=1"`
}

// CodeHealthReport is the optional code health assessment before release.
type CodeHealthReport struct {
	Summary        string              `json:"summary" jsonschema:"minLength=1"`
	HealthScore    int                 `json:"health_score" jsonschema:"minimum=0,maximum=100"`
	Metrics        *CodeHealthMetrics  `json:"metrics,omitempty"`
	Findings       []CodeHealthFinding `json:"findings,omitempty"`
	Recommendation string              `json:"recommendation" jsonschema:"enum=proceed,enum=refactor_recommended,enum=refactor_required"`
}

// CodeHealthMetrics are the measured indicators behind a health score.
type CodeHealthMetrics struct {
	TestCoverage       float64  `json:"test_coverage,omitempty" jsonschema:"minimum=0,maximum=100"`
	LintIssues         int      `json:"lint_issues,omitempty" jsonschema:"minimum=0"`
	DuplicationPercent float64  `json:"duplication_percent,omitempty" jsonschema:"minimum=0,maximum=100"`
	ComplexityHotspots []string `json:"complexity_hotspots,omitempty"`
}

// CodeHealthFinding is one maintainability problem.
type CodeHealthFinding struct {
	Category    string `json:"category" jsonschema:"enum=maintainability,enum=reliability,enum=security,enum=performance,enum=test_coverage"`
	Severity    string `json:"severity" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	Description string `json:"description" jsonschema:"minLength=1"`
	Path        string `json:"path,omitempty"`
}

// SafetyReview is the safety collaborator's verdict on one stage. It also
// assesses the workflow risk level.
type SafetyReview struct {
	SubjectStage string   `json:"subject_stage" jsonschema:"enum=requirements,enum=architecture,enum=frontend_implementation,enum=backend_implementation,enum=ai_implementation,enum=qa_testing,enum=code_health_assessment,enum=deployment"`
	Verdict      string   `json:"verdict" jsonschema:"enum=passed,enum=passed_with_conditions,enum=blocked"`
	RiskLevel    string   `json:"risk_level" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	Findings     []string `json:"findings,omitempty"`
	Conditions   []string `json:"conditions,omitempty"`
}

// GovernanceReview is the governance collaborator's verdict on one stage:
// policy, licensing and compliance rather than risk.
type GovernanceReview struct {
	SubjectStage    string   `json:"subject_stage" jsonschema:"enum=requirements,enum=architecture,enum=frontend_implementation,enum=backend_implementation,enum=ai_implementation,enum=qa_testing,enum=code_health_assessment,enum=deployment"`
	Verdict         string   `json:"verdict" jsonschema:"enum=passed,enum=passed_with_conditions,enum=blocked"`
	PoliciesChecked []string `json:"policies_checked" jsonschema:"minItems=1"`
	Findings        []string `json:"findings,omitempty"`
	Conditions      []string `json:"conditions,omitempty"`
}

// ControllerLog is an exported orchestrator decision log.
type ControllerLog struct {
	WorkflowID string               `json:"workflow_id" jsonschema:"minLength=1"`
	Entries    []ControllerLogEntry `json:"entries" jsonschema:"minItems=1"`
}

// ControllerLogEntry is one orchestrator decision.
type ControllerLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage" jsonschema:"minLength=1"`
	Action    string    `json:"action" jsonschema:"enum=dispatched,enum=accepted,enum=rejected,enum=paused,enum=resumed,enum=completed,enum=failed"`
	Details   string    `json:"details,omitempty"`
}

// ProjectConfig describes a project before its workflow starts.
type ProjectConfig struct {
	ProjectName   string   `json:"project_name" jsonschema:"minLength=1"`
	ProjectType   string   `json:"project_type" jsonschema:"minLength=1"`
	ExecutionMode string   `json:"execution_mode" jsonschema:"enum=full,enum=fast"`
	Description   string   `json:"description,omitempty"`
	ArtifactsRoot string   `json:"artifacts_root,omitempty"`
	Approvers     []string `json:"approvers,omitempty"`
}

// Schema names.
const (
	SchemaRequirements           = "pm-output"
	SchemaArchitecture           = "architect-output"
	SchemaArchitectureAssessment = "architecture-assessment"
	SchemaFrontend               = "frontend-output"
	SchemaBackend                = "backend-output"
	SchemaAI                     = "ai-engineer-output"
	SchemaQA                     = "qa-output"
	SchemaCodeHealth             = "code-health-output"
	SchemaDeployment             = "devops-output"
	SchemaSafety                 = "safety-output"
	SchemaGovernance             = "governance-output"
	SchemaControllerLog          = "controller-output"
	SchemaProjectConfig          = "project-config"
	SchemaCompletionSignal       = "stage-completion-signal"
	SchemaWorkflowState          = "workflow-state"
)

// contracts is the compile-time schema registry.
var contracts = map[string]any{
	SchemaRequirements:           &RequirementsPacket{},
	SchemaArchitecture:           &ArchitecturePacket{},
	SchemaArchitectureAssessment: &ArchitectureAssessment{},
	SchemaFrontend:               &ImplementationReport{},
	SchemaBackend:                &ImplementationReport{},
	SchemaAI:                     &ImplementationReport{},
	SchemaQA:                     &QAReport{},
	SchemaCodeHealth:             &CodeHealthReport{},
	SchemaDeployment:             &DeploymentReport{},
	SchemaSafety:                 &SafetyReview{},
	SchemaGovernance:             &GovernanceReview{},
	SchemaControllerLog:          &ControllerLog{},
	SchemaProjectConfig:          &ProjectConfig{},
	SchemaCompletionSignal:       &workflow.CompletionReport{},
	SchemaWorkflowState:          &workflow.State{},
}

// stageSchemas maps each stage to the one schema its artifacts must satisfy.
var stageSchemas = map[workflow.StageID]string{
	workflow.StageRequirements:     SchemaRequirements,
	workflow.StageArchitecture:     SchemaArchitecture,
	workflow.StageFrontend:         SchemaFrontend,
	workflow.StageBackend:          SchemaBackend,
	workflow.StageAI:               SchemaAI,
	workflow.StageQA:               SchemaQA,
	workflow.StageCodeHealth:       SchemaCodeHealth,
	workflow.StageDeployment:       SchemaDeployment,
	workflow.StageSafetyReview:     SchemaSafety,
	workflow.StageGovernanceReview: SchemaGovernance,
}

// artifactSchemas maps conventional artifact file names to schema names.
var artifactSchemas = map[string]string{
	"product-requirements-packet.json":    SchemaRequirements,
	"architecture-handover-packet.json":   SchemaArchitecture,
	"architecture-assessment.json":        SchemaArchitectureAssessment,
	"frontend-implementation-report.json": SchemaFrontend,
	"backend-implementation-report.json":  SchemaBackend,
	"ai-implementation-report.json":       SchemaAI,
	"qa-test-report.json":                 SchemaQA,
	"code-health-report.json":             SchemaCodeHealth,
	"deployment-report.json":              SchemaDeployment,
	"safety-review-report.json":           SchemaSafety,
	"governance-review-report.json":       SchemaGovernance,
	"orchestrator-log.json":               SchemaControllerLog,
	"project-config.json":                 SchemaProjectConfig,
	"stage-completion-signal.json":        SchemaCompletionSignal,
	"workflow-state.json":                 SchemaWorkflowState,
}
