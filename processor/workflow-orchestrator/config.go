package workfloworchestrator

import (
	"fmt"
	"time"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/orchestrator"
)

// Config holds configuration for the workflow orchestrator component.
type Config struct {
	// Orchestrator is shared by every workflow this component drives.
	Orchestrator orchestrator.Config

	// DefaultProjectType and DefaultMode fill start requests that name none.
	DefaultProjectType string
	DefaultMode        workflow.Mode

	// CheckInterval is how often stage deadlines are swept.
	CheckInterval time.Duration

	// ReportSubject is subscribed for completion reports.
	ReportSubject string
	// QueueGroup spreads reports across instances. Empty means a plain subscription.
	QueueGroup string
	// InvokePrefix is the subject prefix invocations are published under.
	InvokePrefix string
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultProjectType: workflow.DefaultProjectType,
		DefaultMode:        workflow.ModeFull,
		CheckInterval:      time.Minute,
		ReportSubject:      workflow.SubjectReportAll,
		QueueGroup:         "semforge-orchestrator",
		InvokePrefix:       workflow.SubjectInvokePrefix,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.ReportSubject == "" {
		return fmt.Errorf("report_subject is required")
	}
	if c.InvokePrefix == "" {
		return fmt.Errorf("invoke_prefix is required")
	}
	if c.DefaultMode != "" && !c.DefaultMode.IsValid() {
		return fmt.Errorf("unknown default mode %q", c.DefaultMode)
	}
	return nil
}
