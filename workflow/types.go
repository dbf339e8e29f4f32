// Package workflow provides the semforge pipeline model: stages, roles,
// workflow state, completion reports and the stage graph that drives them.
package workflow

import "time"

// StageID identifies a stage in the production pipeline.
type StageID string

const (
	// StageRequirements is the discovery stage owned by the product manager.
	StageRequirements StageID = "requirements"
	// StageArchitecture is the design stage owned by the system architect.
	StageArchitecture StageID = "architecture"
	// StageFrontend is the frontend member of the build cohort.
	StageFrontend StageID = "frontend_implementation"
	// StageBackend is the backend member of the build cohort.
	StageBackend StageID = "backend_implementation"
	// StageAI is the AI member of the build cohort.
	StageAI StageID = "ai_implementation"
	// StageQA is the verify stage owned by the QA engineer.
	StageQA StageID = "qa_testing"
	// StageCodeHealth is the opt-in code health assessment between verify and release.
	StageCodeHealth StageID = "code_health_assessment"
	// StageDeployment is the release stage owned by the devops engineer.
	StageDeployment StageID = "deployment"
	// StageSafetyReview is the first review collaborator. It assesses the risk
	// level and is never on the backbone.
	StageSafetyReview StageID = "safety_review"
	// StageGovernanceReview is the opt-in second review collaborator.
	StageGovernanceReview StageID = "governance_review"
)

// Pseudo-stages are legal values of State.CurrentStage only.
const (
	StagePaused    StageID = "paused"
	StageCompleted StageID = "completed"
	StageFailed    StageID = "failed"
)

// String returns the string representation of the stage.
func (s StageID) String() string {
	return string(s)
}

// IsPseudo reports whether s is one of the pseudo-stages.
func (s StageID) IsPseudo() bool {
	return s == StagePaused || s == StageCompleted || s == StageFailed
}

// Role identifies a specialist worker role.
type Role string

const (
	RoleProductManager  Role = "product_manager"
	RoleSystemArchitect Role = "system_architect"
	RoleFrontend        Role = "frontend_engineer"
	RoleBackend         Role = "backend_engineer"
	RoleAI              Role = "ai_engineer"
	RoleQA              Role = "qa_engineer"
	RoleDevOps          Role = "devops_engineer"
	RoleSafety          Role = "safety_agent"
	RoleGovernance      Role = "governance_agent"
	RoleCodeHealth      Role = "code_health_agent"
)

// IsValid returns true if the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleProductManager, RoleSystemArchitect, RoleFrontend, RoleBackend,
		RoleAI, RoleQA, RoleDevOps, RoleSafety, RoleGovernance, RoleCodeHealth:
		return true
	default:
		return false
	}
}

// Phase groups stages along the backbone.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseDesign    Phase = "design"
	PhaseBuild     Phase = "build"
	PhaseVerify    Phase = "verify"
	PhaseRelease   Phase = "release"
	PhaseReview    Phase = "review"
)

// Mode selects which stages are mandatory for a workflow.
type Mode string

const (
	ModeFull Mode = "full"
	ModeFast Mode = "fast"
)

// IsValid returns true if the mode is known.
func (m Mode) IsValid() bool {
	return m == ModeFull || m == ModeFast
}

// StageStatus is the lifecycle status of one stage record.
type StageStatus string

const (
	// StatusPending indicates the stage has not been dispatched yet.
	StatusPending StageStatus = "pending"
	// StatusInProgress indicates the stage owner is working.
	StatusInProgress StageStatus = "in_progress"
	// StatusCompleted indicates the stage finished and passed its gates.
	StatusCompleted StageStatus = "completed"
	// StatusCompletedWithWarnings indicates completion with non-blocking warnings.
	StatusCompletedWithWarnings StageStatus = "completed_with_warnings"
	// StatusBlocked indicates the stage is halted awaiting a human decision.
	StatusBlocked StageStatus = "blocked"
	// StatusFailed indicates the stage failed and retries are exhausted.
	StatusFailed StageStatus = "failed"
	// StatusSkipped indicates the execution mode excluded the stage.
	StatusSkipped StageStatus = "skipped"
	// StatusRolledBack indicates a release stage was rolled back.
	StatusRolledBack StageStatus = "rolled_back"
)

// String returns the string representation of the status.
func (s StageStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid stage status.
func (s StageStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCompletedWithWarnings,
		StatusBlocked, StatusFailed, StatusSkipped, StatusRolledBack:
		return true
	default:
		return false
	}
}

// IsSuccess returns true for completed and completed_with_warnings.
func (s StageStatus) IsSuccess() bool {
	return s == StatusCompleted || s == StatusCompletedWithWarnings
}

// IsTerminal returns true if no report can change the status any more.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusBlocked,
		StatusFailed, StatusSkipped, StatusRolledBack:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s StageStatus) CanTransitionTo(target StageStatus) bool {
	switch s {
	case StatusPending:
		return target == StatusInProgress || target == StatusSkipped || target == StatusBlocked
	case StatusInProgress:
		// in_progress → pending is a scheduled automatic retry
		return target == StatusCompleted || target == StatusCompletedWithWarnings ||
			target == StatusBlocked || target == StatusFailed || target == StatusPending ||
			target == StatusRolledBack || target == StatusInProgress
	case StatusCompleted, StatusCompletedWithWarnings:
		// Re-entry through the fix-needed edge, or rollback of a release
		return target == StatusInProgress || target == StatusPending || target == StatusRolledBack
	case StatusBlocked, StatusFailed:
		return target == StatusInProgress || target == StatusRolledBack || target == StatusBlocked
	case StatusSkipped, StatusRolledBack:
		return false // Terminal states
	default:
		return false
	}
}

// ReportStatus is the status a worker claims in a completion report.
type ReportStatus string

const (
	ReportCompleted                 ReportStatus = "completed"
	ReportCompletedWithWarnings     ReportStatus = "completed_with_warnings"
	ReportFailed                    ReportStatus = "failed"
	ReportBlocked                   ReportStatus = "blocked"
	ReportRequiresHumanIntervention ReportStatus = "requires_human_intervention"
)

// IsValid returns true if the report status is known.
func (s ReportStatus) IsValid() bool {
	switch s {
	case ReportCompleted, ReportCompletedWithWarnings, ReportFailed,
		ReportBlocked, ReportRequiresHumanIntervention:
		return true
	default:
		return false
	}
}

// IsSuccess returns true for statuses that proceed to gate evaluation.
func (s ReportStatus) IsSuccess() bool {
	return s == ReportCompleted || s == ReportCompletedWithWarnings || s == ReportRequiresHumanIntervention
}

// StageStatus maps a successful report status to the stage status it commits.
func (s ReportStatus) StageStatus() StageStatus {
	switch s {
	case ReportCompletedWithWarnings:
		return StatusCompletedWithWarnings
	case ReportFailed:
		return StatusFailed
	case ReportBlocked:
		return StatusBlocked
	default:
		return StatusCompleted
	}
}

// Outcome refines a completed report. Only verification reports carry one.
type Outcome string

// OutcomeFixNeeded sends the workflow back from verify to build.
const OutcomeFixNeeded Outcome = "fix_needed"

// ErrorClass classifies a worker-reported failure.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorPermanent ErrorClass = "permanent"
)

// Severity ranks blocking issues.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsValid returns true if the severity is known.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// RiskLevel is the assessed risk of the product being built.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsValid returns true if the risk level is known.
func (r RiskLevel) IsValid() bool {
	return Severity(r).IsValid()
}

// Rank orders risk levels the same way severities are ordered.
func (r RiskLevel) Rank() int {
	return Severity(r).Rank()
}

// InteractionType classifies an entry in the human interaction log.
type InteractionType string

const (
	InteractionApproval           InteractionType = "approval"
	InteractionRejection          InteractionType = "rejection"
	InteractionFeedback           InteractionType = "feedback"
	InteractionApprovalRequested  InteractionType = "approval_requested"
	InteractionMediationRequested InteractionType = "mediation_requested"
	InteractionDecision           InteractionType = "decision"
)

// Hold describes why a stage is waiting instead of progressing.
type Hold string

const (
	HoldNone Hold = ""
	// HoldApproval waits for a human approval decision.
	HoldApproval Hold = "approval"
	// HoldReview waits for the review collaborator's verdict.
	HoldReview Hold = "review"
	// HoldMediation waits for a human tiebreak after a blocked review.
	HoldMediation Hold = "mediation"
	// HoldDecision waits for retry, extend, abort or an override.
	HoldDecision Hold = "decision"
	// HoldRetryScheduled waits for an automatic transient retry.
	HoldRetryScheduled Hold = "retry_scheduled"
	// HoldEscalated is an unconditional halt cleared only by a manual state edit.
	HoldEscalated Hold = "escalated"
)

// NeedsHuman reports whether the hold can only be released by an operator.
func (h Hold) NeedsHuman() bool {
	switch h {
	case HoldApproval, HoldMediation, HoldDecision, HoldEscalated:
		return true
	default:
		return false
	}
}

// Cause records what halted a stage most recently.
type Cause string

const (
	CauseNone           Cause = ""
	CauseReportedBlock  Cause = "reported_blocked"
	CauseFailure        Cause = "failure"
	CauseSchema         Cause = "schema_retries_exhausted"
	CauseTimeout        Cause = "timeout"
	CauseRejected       Cause = "rejected"
	CauseCheckFailed    Cause = "automated_check_failed"
	CauseReviewBlocked  Cause = "review_blocked"
	CauseAborted        Cause = "aborted"
	CauseFixCycleLimit  Cause = "fix_cycle_limit"
	CauseMediationFails Cause = "mediation_failed"
)

// ArtifactRef points at a document in the artifact store.
type ArtifactRef struct {
	// Key is the store key, e.g. "backend-engineer/backend-implementation-report.json"
	Key string `json:"key"`
	// Schema is the schema the document was validated against
	Schema string `json:"schema,omitempty"`
}

// BlockingIssue records a problem that halts progress until resolved.
type BlockingIssue struct {
	ID                 string     `json:"id"`
	Description        string     `json:"description"`
	Severity           Severity   `json:"severity"`
	ResolutionRequired bool       `json:"resolution_required"`
	SourceStage        StageID    `json:"source_stage"`
	Class              string     `json:"class,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	Resolved           bool       `json:"resolved"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	Resolution         string     `json:"resolution,omitempty"`
}

// HumanInteraction is one entry in the append-only audit trail.
type HumanInteraction struct {
	Timestamp time.Time       `json:"timestamp"`
	Stage     StageID         `json:"stage"`
	Type      InteractionType `json:"interaction_type"`
	Details   string          `json:"details"`
	Actor     string          `json:"actor,omitempty"`
}

// ReviewStatus tracks the review collaborator's work on a stage.
type ReviewStatus string

const (
	ReviewRequested            ReviewStatus = "requested"
	ReviewPassed               ReviewStatus = "passed"
	ReviewPassedWithConditions ReviewStatus = "passed_with_conditions"
	ReviewBlocked              ReviewStatus = "blocked"
	ReviewAutomated            ReviewStatus = "automated"
	ReviewOverridden           ReviewStatus = "overridden"
)

// Satisfied reports whether the review lets the stage proceed.
func (s ReviewStatus) Satisfied() bool {
	switch s {
	case ReviewPassed, ReviewPassedWithConditions, ReviewAutomated, ReviewOverridden:
		return true
	default:
		return false
	}
}

// ReviewRecord is the risk review attached to a stage completion.
type ReviewRecord struct {
	Status   ReviewStatus `json:"status"`
	Reviewer Role         `json:"reviewer,omitempty"`
	// PassedBy lists the collaborators of the review panel that let the stage pass
	PassedBy    []Role     `json:"passed_by,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Findings    []string   `json:"findings,omitempty"`
	Conditions  []string   `json:"conditions,omitempty"`
}

// RetryCounts counts automatic and operator retries per failure class.
type RetryCounts struct {
	Transient int `json:"transient,omitempty"`
	Timeout   int `json:"timeout,omitempty"`
}

// StageRecord is the per-stage history inside the workflow state.
type StageRecord struct {
	Stage  StageID     `json:"stage"`
	Role   Role        `json:"role"`
	Status StageStatus `json:"status"`

	HumanApprovalRequired bool `json:"human_approval_required"`
	HumanApprovalReceived bool `json:"human_approval_received"`

	// Artifacts accumulates every validated artifact across attempts
	Artifacts      []ArtifactRef `json:"artifacts,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	BlockingIssues []string      `json:"blocking_issues,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`

	Attempt int         `json:"attempt"`
	Retries RetryCounts `json:"retries"`

	Hold  Hold  `json:"hold,omitempty"`
	Cause Cause `json:"cause,omitempty"`

	// PendingReport holds a validated report while a gate is unsatisfied
	PendingReport *CompletionReport `json:"pending_report,omitempty"`
	Review        *ReviewRecord     `json:"review,omitempty"`
	Feedback      string            `json:"feedback,omitempty"`
	// Subject is the stage under review when this is the review stage
	Subject StageID `json:"subject,omitempty"`
}

// CohortState persists the active parallel cohort.
type CohortState struct {
	ID      CohortID  `json:"id"`
	Members []StageID `json:"members"`
	Round   int       `json:"round"`
}

// State is the single document of record for one workflow.
type State struct {
	ID          string `json:"workflow_id"`
	ProductName string `json:"product_name"`
	ProjectType string `json:"project_type"`
	Mode        Mode   `json:"execution_mode"`

	// CurrentStage is a stage, the active cohort id, or a pseudo-stage
	CurrentStage StageID `json:"current_stage"`
	// ActiveStage is where the workflow resumes once nothing holds it
	ActiveStage StageID `json:"active_stage,omitempty"`

	Stages            map[StageID]*StageRecord `json:"stages"`
	BlockingIssues    []BlockingIssue          `json:"blocking_issues"`
	HumanInteractions []HumanInteraction       `json:"human_interactions"`

	RiskLevel   *RiskLevel   `json:"risk_level,omitempty"`
	Cohort      *CohortState `json:"cohort,omitempty"`
	ReviewQueue []StageID    `json:"review_queue,omitempty"`
	FixCycles   int          `json:"fix_cycles"`
	Escalated   bool         `json:"escalated"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
