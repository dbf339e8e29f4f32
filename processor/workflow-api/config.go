package workflowapi

import (
	"fmt"
	"strings"
)

// Config holds configuration for the workflow-api component.
type Config struct {
	// Prefix is the route prefix, including the trailing slash.
	Prefix string `json:"prefix"`

	// MaxBodyBytes caps request bodies. Reports and state edits are small.
	MaxBodyBytes int64 `json:"max_body_bytes"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:       "/api/",
		MaxBodyBytes: 1 << 20,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Prefix, "/") || !strings.HasSuffix(c.Prefix, "/") {
		return fmt.Errorf("prefix must start and end with /, got %q", c.Prefix)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	return nil
}
