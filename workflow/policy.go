package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// DefaultProjectType is used when a workflow does not name one.
const DefaultProjectType = "full_stack"

// Policy is the project-type policy table. Role inclusion per execution mode
// is resolved once, when a workflow is initialized.
type Policy struct {
	ProjectTypes map[string]ProjectPolicy `yaml:"project_types"`
}

// ProjectPolicy holds the per-mode rules of one project type.
type ProjectPolicy struct {
	Description string              `yaml:"description"`
	Modes       map[Mode]ModePolicy `yaml:"modes"`
}

// ModePolicy lists what a mode skips, opts into, gates and times differently.
type ModePolicy struct {
	Skip          []Role                    `yaml:"skip"`
	// Include opts optional stages in by role
	Include       []Role                    `yaml:"include,omitempty"`
	HumanApproval []StageID                 `yaml:"human_approval"`
	Timeouts      map[StageID]time.Duration `yaml:"timeouts,omitempty"`
}

// Resolution is the outcome of applying a policy to a workflow.
type Resolution struct {
	Skipped       map[StageID]bool
	HumanApproval map[StageID]bool
	Timeouts      map[StageID]time.Duration
}

// DefaultPolicy parses the embedded policy table.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(defaultPolicyYAML)
}

// LoadPolicy reads a policy table from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a policy table.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(p.ProjectTypes) == 0 {
		return nil, fmt.Errorf("parse policy: no project types defined")
	}
	return &p, nil
}

// ProjectTypeNames returns the configured project types, sorted.
func (p *Policy) ProjectTypeNames() []string {
	names := make([]string, 0, len(p.ProjectTypes))
	for name := range p.ProjectTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve applies the policy for a project type and mode to the graph.
// Required stages can not be skipped, optional stages are skipped unless
// included, and the build cohort keeps at least one member.
func (p *Policy) Resolve(g *Graph, projectType string, mode Mode) (*Resolution, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("resolve policy: unknown execution mode %q", mode)
	}
	pt, ok := p.ProjectTypes[projectType]
	if !ok {
		return nil, fmt.Errorf("resolve policy: unknown project type %q", projectType)
	}
	mp, ok := pt.Modes[mode]
	if !ok {
		return nil, fmt.Errorf("resolve policy: project type %q has no %s mode", projectType, mode)
	}

	res := &Resolution{
		Skipped:       make(map[StageID]bool),
		HumanApproval: make(map[StageID]bool),
		Timeouts:      make(map[StageID]time.Duration),
	}
	for _, role := range mp.Skip {
		stage, ok := g.StageForRole(role)
		if !ok {
			return nil, fmt.Errorf("resolve policy: unknown role %q", role)
		}
		def, _ := g.Stage(stage)
		if def.Required {
			return nil, fmt.Errorf("resolve policy: stage %s is required and can not be skipped", stage)
		}
		res.Skipped[stage] = true
	}
	included := make(map[StageID]bool, len(mp.Include))
	for _, role := range mp.Include {
		stage, ok := g.StageForRole(role)
		if !ok {
			return nil, fmt.Errorf("resolve policy: unknown role %q", role)
		}
		def, _ := g.Stage(stage)
		if !def.Optional {
			return nil, fmt.Errorf("resolve policy: stage %s is not optional and can not be included", stage)
		}
		if res.Skipped[stage] {
			return nil, fmt.Errorf("resolve policy: role %s is both skipped and included", role)
		}
		included[stage] = true
	}
	for _, def := range g.Stages() {
		if def.Optional && !included[def.ID] {
			res.Skipped[def.ID] = true
		}
	}
	for cohort, members := range g.cohorts {
		if !slices.ContainsFunc(members, func(m StageID) bool { return !res.Skipped[m] }) {
			return nil, fmt.Errorf("resolve policy: cohort %s has no included members", cohort)
		}
	}
	for _, stage := range mp.HumanApproval {
		if _, ok := g.Stage(stage); !ok {
			return nil, fmt.Errorf("resolve policy: %w: %q", ErrUnknownStage, stage)
		}
		res.HumanApproval[stage] = true
	}
	for stage, d := range mp.Timeouts {
		if _, ok := g.Stage(stage); !ok {
			return nil, fmt.Errorf("resolve policy: %w: %q", ErrUnknownStage, stage)
		}
		if d <= 0 {
			return nil, fmt.Errorf("resolve policy: timeout for %s must be positive", stage)
		}
		res.Timeouts[stage] = d
	}
	return res, nil
}
