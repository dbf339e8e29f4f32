// Package config provides configuration loading and management for semforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/failure"
)

// Storage backends.
const (
	BackendNATS = "nats"
	BackendAFS  = "afs"
)

// Config represents the complete semforge configuration
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	NATS         NATSConfig         `yaml:"nats"`
	HTTP         HTTPConfig         `yaml:"http"`
	Inbox        InboxConfig        `yaml:"inbox"`
	Subjects     SubjectsConfig     `yaml:"subjects"`
}

// OrchestratorConfig configures workflow defaults and the failure policy
type OrchestratorConfig struct {
	// ProjectType is used when a start request names none
	ProjectType string `yaml:"project_type"`
	// Mode is the default execution mode (full or fast)
	Mode workflow.Mode `yaml:"mode"`
	// PolicyPath replaces the embedded project-type policy table
	PolicyPath string `yaml:"policy_path,omitempty"`
	// Failure holds retry rules, timeouts and the fix cycle bound
	Failure failure.Policy `yaml:"failure"`
	// CheckInterval is how often stage deadlines are swept
	CheckInterval time.Duration `yaml:"check_interval"`
}

// StorageConfig configures the artifact store
type StorageConfig struct {
	// Backend is "nats" (JetStream KV) or "afs" (file://, mem://, s3://, gs://)
	Backend string `yaml:"backend"`
	// URL is the afs base location
	URL string `yaml:"url,omitempty"`
	// Bucket is the KV bucket name
	Bucket string `yaml:"bucket,omitempty"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream directory of the embedded server
	StoreDir string `yaml:"store_dir,omitempty"`
}

// HTTPConfig configures the operator API
type HTTPConfig struct {
	// Addr is the listen address (empty disables the API)
	Addr string `yaml:"addr"`
}

// InboxConfig configures the report file inbox
type InboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// Patterns are doublestar globs relative to Dir
	Patterns []string `yaml:"patterns,omitempty"`
	// Debounce delays processing until a file stops changing
	Debounce time.Duration `yaml:"debounce"`
}

// SubjectsConfig configures the NATS subjects
type SubjectsConfig struct {
	// Reports is the subscription for completion reports
	Reports string `yaml:"reports"`
	// InvokePrefix is followed by the role name
	InvokePrefix string `yaml:"invoke_prefix"`
	// QueueGroup load-balances reports across orchestrator instances
	QueueGroup string `yaml:"queue_group"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			ProjectType:   workflow.DefaultProjectType,
			Mode:          workflow.ModeFull,
			Failure:       failure.DefaultPolicy(),
			CheckInterval: time.Minute,
		},
		Storage: StorageConfig{
			Backend: BackendNATS,
			URL:     ".semforge/artifacts",
			Bucket:  "SEMFORGE_ARTIFACTS",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Inbox: InboxConfig{
			Enabled:  false,
			Dir:      ".semforge/inbox",
			Patterns: []string{"*/*.json"},
			Debounce: 500 * time.Millisecond,
		},
		Subjects: SubjectsConfig{
			Reports:      workflow.SubjectReportAll,
			InvokePrefix: workflow.SubjectInvokePrefix,
			QueueGroup:   "semforge-orchestrator",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Orchestrator.ProjectType == "" {
		return fmt.Errorf("orchestrator.project_type is required")
	}
	if !c.Orchestrator.Mode.IsValid() {
		return fmt.Errorf("orchestrator.mode must be full or fast, got %q", c.Orchestrator.Mode)
	}
	if err := c.Orchestrator.Failure.Validate(); err != nil {
		return fmt.Errorf("orchestrator.failure: %w", err)
	}
	if c.Orchestrator.CheckInterval <= 0 {
		return fmt.Errorf("orchestrator.check_interval must be positive")
	}
	graph := workflow.DefaultGraph()
	for stage := range c.Orchestrator.Failure.StageTimeouts {
		if _, ok := graph.Stage(stage); !ok {
			return fmt.Errorf("orchestrator.failure.stage_timeouts: unknown stage %q", stage)
		}
	}

	switch c.Storage.Backend {
	case BackendNATS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the nats backend")
		}
	case BackendAFS:
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for the afs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendNATS, BackendAFS, c.Storage.Backend)
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}

	if c.Inbox.Enabled {
		if c.Inbox.Dir == "" {
			return fmt.Errorf("inbox.dir is required when the inbox is enabled")
		}
		if c.Inbox.Debounce < 0 {
			return fmt.Errorf("inbox.debounce must not be negative")
		}
		for _, p := range c.Inbox.Patterns {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("inbox.patterns: invalid pattern %q", p)
			}
		}
	}

	if c.Subjects.Reports == "" || c.Subjects.InvokePrefix == "" {
		return fmt.Errorf("subjects.reports and subjects.invoke_prefix are required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile unmarshals path onto config. Keys absent from the file leave
// config untouched.
func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Orchestrator
	o := other.Orchestrator
	if o.ProjectType != "" {
		c.Orchestrator.ProjectType = o.ProjectType
	}
	if o.Mode != "" {
		c.Orchestrator.Mode = o.Mode
	}
	if o.PolicyPath != "" {
		c.Orchestrator.PolicyPath = o.PolicyPath
	}
	if o.CheckInterval != 0 {
		c.Orchestrator.CheckInterval = o.CheckInterval
	}
	mergeFailure(&c.Orchestrator.Failure, o.Failure)

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.URL != "" {
		c.Storage.URL = other.Storage.URL
	}
	if other.Storage.Bucket != "" {
		c.Storage.Bucket = other.Storage.Bucket
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	// Inbox
	if other.Inbox.Enabled {
		c.Inbox.Enabled = true
	}
	if other.Inbox.Dir != "" {
		c.Inbox.Dir = other.Inbox.Dir
	}
	if len(other.Inbox.Patterns) > 0 {
		c.Inbox.Patterns = slices.Clone(other.Inbox.Patterns)
	}
	if other.Inbox.Debounce != 0 {
		c.Inbox.Debounce = other.Inbox.Debounce
	}

	// Subjects
	if other.Subjects.Reports != "" {
		c.Subjects.Reports = other.Subjects.Reports
	}
	if other.Subjects.InvokePrefix != "" {
		c.Subjects.InvokePrefix = other.Subjects.InvokePrefix
	}
	if other.Subjects.QueueGroup != "" {
		c.Subjects.QueueGroup = other.Subjects.QueueGroup
	}
}

func mergeFailure(dst *failure.Policy, src failure.Policy) {
	mergeRule(&dst.Schema, src.Schema)
	mergeRule(&dst.Transient, src.Transient)
	mergeRule(&dst.Timeout, src.Timeout)
	if src.DefaultTimeout != 0 {
		dst.DefaultTimeout = src.DefaultTimeout
	}
	if src.MaxFixCycles != 0 {
		dst.MaxFixCycles = src.MaxFixCycles
	}
	if len(src.StageTimeouts) > 0 && dst.StageTimeouts == nil {
		dst.StageTimeouts = make(map[workflow.StageID]time.Duration, len(src.StageTimeouts))
	}
	for stage, d := range src.StageTimeouts {
		dst.StageTimeouts[stage] = d
	}
}

func mergeRule(dst *failure.Rule, src failure.Rule) {
	if src.MaxRetries != 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if src.Backoff != 0 {
		dst.Backoff = src.Backoff
	}
}
