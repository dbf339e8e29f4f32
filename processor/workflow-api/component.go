// Package workflowapi provides the operator HTTP surface: starting
// workflows, reading their state and handoff documents, submitting reports
// and applying decisions.
package workflowapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semforge/component"
	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/orchestrator"
)

// Backend is the workflow engine the API fronts.
type Backend interface {
	Create(ctx context.Context, req orchestrator.StartRequest) (string, orchestrator.Result, error)
	HandleReport(ctx context.Context, id string, raw []byte) (orchestrator.Result, error)
	Decide(ctx context.Context, id string, req orchestrator.DecisionRequest) (orchestrator.Result, error)
	Replace(ctx context.Context, s *workflow.State) error
	Workflow(id string) (*workflow.State, error)
	Workflows() []*workflow.State
	Graph() *workflow.Graph
}

// Component implements the workflow-api component.
type Component struct {
	name    string
	config  Config
	backend Backend
	logger  *slog.Logger
	clock   func() time.Time

	requests      atomic.Int64
	requestErrors atomic.Int64

	mu        sync.Mutex
	running   bool
	startTime time.Time
}

// NewComponent creates a new workflow-api component.
func NewComponent(config Config, backend Backend, logger *slog.Logger) (*Component, error) {
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:    "workflow-api",
		config:  config,
		backend: backend,
		logger:  logger,
		clock:   time.Now,
	}, nil
}

// Prefix returns the route prefix.
func (c *Component) Prefix() string {
	return c.config.Prefix
}

// Start marks the component running. Routes are served by whoever owns the
// mux passed to RegisterHTTPHandlers.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = c.clock()
	c.logger.Info("workflow-api started", "prefix", c.config.Prefix)
	return nil
}

// Stop marks the component stopped.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.logger.Info("workflow-api stopped",
		"requests", c.requests.Load(),
		"request_errors", c.requestErrors.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Operator HTTP API for workflows",
		Version:     "0.1.0",
	}
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.Lock()
	running := c.running
	startTime := c.startTime
	c.mu.Unlock()

	status := "stopped"
	var uptime time.Duration
	if running {
		status = "running"
		uptime = c.clock().Sub(startTime)
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  c.clock(),
		ErrorCount: int(c.requestErrors.Load()),
		Uptime:     uptime,
		Status:     status,
	}
}
