package workfloworchestrator

import (
	"fmt"

	"github.com/c360studio/semforge/config"
	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/orchestrator"
)

// ConfigFrom builds the component configuration from the process config,
// loading the policy table override when one is configured.
func ConfigFrom(cfg *config.Config) (Config, error) {
	policy, err := workflow.DefaultPolicy()
	if cfg.Orchestrator.PolicyPath != "" {
		policy, err = workflow.LoadPolicy(cfg.Orchestrator.PolicyPath)
	}
	if err != nil {
		return Config{}, fmt.Errorf("load policy: %w", err)
	}

	return Config{
		Orchestrator: orchestrator.Config{
			Graph:   workflow.DefaultGraph(),
			Policy:  policy,
			Failure: cfg.Orchestrator.Failure,
		},
		DefaultProjectType: cfg.Orchestrator.ProjectType,
		DefaultMode:        cfg.Orchestrator.Mode,
		CheckInterval:      cfg.Orchestrator.CheckInterval,
		ReportSubject:      cfg.Subjects.Reports,
		QueueGroup:         cfg.Subjects.QueueGroup,
		InvokePrefix:       cfg.Subjects.InvokePrefix,
	}, nil
}
