package workflow

import (
	"fmt"
	"slices"
	"time"
)

// CohortID identifies a set of stages that run concurrently.
type CohortID string

// CohortImplementation is the build-phase cohort.
const CohortImplementation CohortID = "implementation"

// StageDef is the static definition of one stage.
type StageDef struct {
	ID    StageID
	Role  Role
	Phase Phase
	// Cohort is set for members of a parallel cohort
	Cohort CohortID
	// Required stages can never be skipped by an execution-mode policy
	Required bool
	// Optional stages are skipped unless the mode policy includes their role
	Optional bool
	// ReviewPoint stages get a collaborator review when risk is high or unassessed
	ReviewPoint bool
	// Inputs lists the stages whose artifacts the role is entitled to read
	Inputs []StageID
	// Schema names the contract every artifact of the stage must satisfy
	Schema string
	// Artifact is the conventional store key of the stage's primary document
	Artifact string
	Timeout  time.Duration
}

// Graph is the static stage graph: the backbone, the build cohort, the single
// backward edge from verify to build, and the review panel.
type Graph struct {
	stages  map[StageID]StageDef
	order   []StageID
	forward map[StageID][]StageID
	cohorts map[CohortID][]StageID
	panel   []StageID
}

var (
	implementationMembers = []StageID{StageFrontend, StageBackend, StageAI}
	reviewPanel           = []StageID{StageSafetyReview, StageGovernanceReview}
)

// DefaultGraph returns the production pipeline graph.
func DefaultGraph() *Graph {
	defs := []StageDef{
		{ID: StageRequirements, Role: RoleProductManager, Phase: PhaseDiscovery, Required: true,
			Schema: "pm-output", Artifact: "product-manager/product-requirements-packet.json", Timeout: 30 * time.Minute},
		{ID: StageArchitecture, Role: RoleSystemArchitect, Phase: PhaseDesign, ReviewPoint: true,
			Inputs: []StageID{StageRequirements}, Schema: "architect-output", Artifact: "system-architect/architecture-handover-packet.json", Timeout: 45 * time.Minute},
		{ID: StageFrontend, Role: RoleFrontend, Phase: PhaseBuild, Cohort: CohortImplementation,
			Inputs: []StageID{StageRequirements, StageArchitecture, StageQA}, Schema: "frontend-output", Artifact: "frontend-engineer/frontend-implementation-report.json", Timeout: 2 * time.Hour},
		{ID: StageBackend, Role: RoleBackend, Phase: PhaseBuild, Cohort: CohortImplementation,
			Inputs: []StageID{StageRequirements, StageArchitecture, StageQA}, Schema: "backend-output", Artifact: "backend-engineer/backend-implementation-report.json", Timeout: 2 * time.Hour},
		{ID: StageAI, Role: RoleAI, Phase: PhaseBuild, Cohort: CohortImplementation,
			Inputs: []StageID{StageRequirements, StageArchitecture, StageQA}, Schema: "ai-engineer-output", Artifact: "ai-engineer/ai-implementation-report.json", Timeout: 2 * time.Hour},
		{ID: StageQA, Role: RoleQA, Phase: PhaseVerify, Required: true,
			Inputs: []StageID{StageRequirements, StageArchitecture, StageFrontend, StageBackend, StageAI},
			Schema: "qa-output", Artifact: "qa-engineer/qa-test-report.json", Timeout: time.Hour},
		{ID: StageCodeHealth, Role: RoleCodeHealth, Phase: PhaseVerify, Optional: true,
			Inputs: []StageID{StageArchitecture, StageFrontend, StageBackend, StageAI, StageQA},
			Schema: "code-health-output", Artifact: "system/code-health-report.json", Timeout: 45 * time.Minute},
		{ID: StageDeployment, Role: RoleDevOps, Phase: PhaseRelease, Required: true, ReviewPoint: true,
			Inputs: []StageID{StageArchitecture, StageFrontend, StageBackend, StageAI, StageQA, StageCodeHealth},
			Schema: "devops-output", Artifact: "devops-engineer/deployment-report.json", Timeout: time.Hour},
		{ID: StageSafetyReview, Role: RoleSafety, Phase: PhaseReview, Required: true,
			Schema: "safety-output", Artifact: "system/safety-review-report.json", Timeout: 30 * time.Minute},
		{ID: StageGovernanceReview, Role: RoleGovernance, Phase: PhaseReview, Optional: true,
			Schema: "governance-output", Artifact: "system/governance-review-report.json", Timeout: 30 * time.Minute},
	}

	g := &Graph{
		stages:  make(map[StageID]StageDef, len(defs)),
		forward: make(map[StageID][]StageID),
		cohorts: map[CohortID][]StageID{CohortImplementation: implementationMembers},
		panel:   reviewPanel,
	}
	for _, d := range defs {
		g.stages[d.ID] = d
		g.order = append(g.order, d.ID)
	}

	g.forward[StageRequirements] = []StageID{StageArchitecture}
	g.forward[StageArchitecture] = implementationMembers
	for _, m := range implementationMembers {
		g.forward[m] = []StageID{StageQA}
	}
	g.forward[StageQA] = []StageID{StageCodeHealth}
	g.forward[StageCodeHealth] = []StageID{StageDeployment}
	g.forward[StageDeployment] = nil
	for _, r := range reviewPanel {
		g.forward[r] = nil
	}
	return g
}

// Stage returns the definition of a stage.
func (g *Graph) Stage(id StageID) (StageDef, bool) {
	d, ok := g.stages[id]
	return d, ok
}

// Stages returns all stage definitions in pipeline order.
func (g *Graph) Stages() []StageDef {
	out := make([]StageDef, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.stages[id])
	}
	return out
}

// First returns the entry stage of the backbone.
func (g *Graph) First() StageID {
	return StageRequirements
}

// OwnerRole returns the role that owns a stage.
func (g *Graph) OwnerRole(id StageID) (Role, error) {
	d, ok := g.stages[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, id)
	}
	return d.Role, nil
}

// StageForRole returns the stage a role owns.
func (g *Graph) StageForRole(role Role) (StageID, bool) {
	for _, id := range g.order {
		if g.stages[id].Role == role {
			return id, true
		}
	}
	return "", false
}

// ReviewPanel returns the review collaborators in the order they review a
// stage. Skipped collaborators still appear; callers filter them.
func (g *Graph) ReviewPanel() []StageID {
	return slices.Clone(g.panel)
}

// CohortOf reports whether a stage is a member of a parallel cohort.
func (g *Graph) CohortOf(id StageID) (CohortID, bool) {
	d, ok := g.stages[id]
	if !ok || d.Cohort == "" {
		return "", false
	}
	return d.Cohort, true
}

// IsParallelCohort reports whether a stage runs inside a parallel cohort.
func (g *Graph) IsParallelCohort(id StageID) bool {
	_, ok := g.CohortOf(id)
	return ok
}

// CohortMembers returns the members of a cohort in pipeline order.
func (g *Graph) CohortMembers(id CohortID) []StageID {
	return slices.Clone(g.cohorts[id])
}

// IsCohort reports whether id names a cohort rather than a stage.
func (g *Graph) IsCohort(id StageID) bool {
	_, ok := g.cohorts[CohortID(id)]
	return ok
}

// AllowedNext returns the stages that may follow stage given a report.
// It depends only on the stage, the report status and the report outcome.
func (g *Graph) AllowedNext(stage StageID, report *CompletionReport) ([]StageID, error) {
	if _, ok := g.stages[stage]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if report == nil || !report.Status.IsSuccess() {
		return nil, nil
	}
	if stage == StageQA && report.Outcome == OutcomeFixNeeded {
		return slices.Clone(implementationMembers), nil
	}
	return slices.Clone(g.forward[stage]), nil
}

// CheckTransition returns a SequenceError when to is not a legal successor of from.
func (g *Graph) CheckTransition(from, to StageID, report *CompletionReport) error {
	next, err := g.AllowedNext(from, report)
	if err != nil {
		return err
	}
	if !slices.Contains(next, to) {
		return &SequenceError{Stage: to, Reason: fmt.Sprintf("no edge from %s to %s", from, to)}
	}
	return nil
}

// Advance resolves the stages to dispatch after stage completes, routing past
// skipped stages along the backbone. An empty result means the pipeline ended.
func (g *Graph) Advance(stage StageID, report *CompletionReport, skipped func(StageID) bool) ([]StageID, error) {
	next, err := g.AllowedNext(stage, report)
	if err != nil {
		return nil, err
	}
	return g.resolve(next, skipped, 0)
}

func (g *Graph) resolve(candidates []StageID, skipped func(StageID) bool, depth int) ([]StageID, error) {
	if depth > len(g.order) {
		return nil, fmt.Errorf("stage graph: skip resolution does not terminate")
	}
	var out []StageID
	var passed []StageID
	for _, c := range candidates {
		if skipped != nil && skipped(c) {
			passed = append(passed, c)
			continue
		}
		out = append(out, c)
	}
	if len(out) > 0 || len(passed) == 0 {
		return out, nil
	}
	// Every candidate is skipped: continue from the first one as if it completed.
	done := &CompletionReport{Status: ReportCompleted}
	next, err := g.AllowedNext(passed[0], done)
	if err != nil {
		return nil, err
	}
	return g.resolve(next, skipped, depth+1)
}
