package reportwatcher

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Config holds configuration for the report-watcher component.
type Config struct {
	// Dir is the inbox root. Reports live at <dir>/<workflow_id>/<name>.json.
	Dir string `json:"dir"`

	// Patterns are doublestar globs, relative to Dir, selecting report files.
	Patterns []string `json:"patterns"`

	// Debounce is how long a file must stay unchanged before it is read.
	Debounce time.Duration `json:"debounce"`

	// ProcessedSuffix is appended to reports the orchestrator applied or
	// ignored as duplicates.
	ProcessedSuffix string `json:"processed_suffix"`

	// RejectedSuffix is appended to reports the orchestrator refused.
	RejectedSuffix string `json:"rejected_suffix"`
}

// DefaultConfig returns default inbox configuration.
func DefaultConfig() Config {
	return Config{
		Dir:             ".semforge/inbox",
		Patterns:        []string{"*/*.json"},
		Debounce:        500 * time.Millisecond,
		ProcessedSuffix: ".processed",
		RejectedSuffix:  ".rejected",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if len(c.Patterns) == 0 {
		return fmt.Errorf("at least one pattern is required")
	}
	for _, p := range c.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if c.ProcessedSuffix == "" || c.RejectedSuffix == "" {
		return fmt.Errorf("processed and rejected suffixes are required")
	}
	for _, p := range c.Patterns {
		for _, suffix := range []string{c.ProcessedSuffix, c.RejectedSuffix} {
			if ok, _ := doublestar.Match(p, "wf/report.json"+suffix); ok {
				return fmt.Errorf("pattern %q matches files ending in %q", p, suffix)
			}
		}
	}
	return nil
}
