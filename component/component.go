// Package component defines the lifecycle shared by semforge's long-running
// processors and a group that starts and stops them in order.
package component

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Metadata describes a component.
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus is a point-in-time health report.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	Uptime     time.Duration `json:"uptime"`
	Status     string        `json:"status"`
}

// Component is a processor with a start/stop lifecycle.
type Component interface {
	Meta() Metadata
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() HealthStatus
}

// Group starts components in order and stops them in reverse.
type Group struct {
	logger     *slog.Logger
	components []Component
	started    []Component
}

// NewGroup creates an empty group.
func NewGroup(logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{logger: logger}
}

// Add appends c to the start order.
func (g *Group) Add(c Component) {
	g.components = append(g.components, c)
}

// Start starts every component. On failure the ones already started are
// stopped again.
func (g *Group) Start(ctx context.Context) error {
	for _, c := range g.components {
		name := c.Meta().Name
		if err := c.Start(ctx); err != nil {
			g.Stop(5 * time.Second)
			return fmt.Errorf("start %s: %w", name, err)
		}
		g.started = append(g.started, c)
		g.logger.Debug("Component started", "component", name)
	}
	return nil
}

// Stop stops the started components in reverse order.
func (g *Group) Stop(timeout time.Duration) error {
	var errs []error
	for i := len(g.started) - 1; i >= 0; i-- {
		c := g.started[i]
		if err := c.Stop(timeout); err != nil {
			g.logger.Warn("Component stop failed", "component", c.Meta().Name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Meta().Name, err))
		}
	}
	g.started = nil
	return errors.Join(errs...)
}

// Health returns the health of every component by name.
func (g *Group) Health() map[string]HealthStatus {
	out := make(map[string]HealthStatus, len(g.components))
	for _, c := range g.components {
		out[c.Meta().Name] = c.Health()
	}
	return out
}
