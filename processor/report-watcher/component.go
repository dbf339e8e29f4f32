// Package reportwatcher applies completion reports that workers drop into a
// directory inbox instead of publishing them on NATS.
package reportwatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semforge/component"
	"github.com/c360studio/semforge/workflow/orchestrator"
)

// Reporter applies a raw report to a workflow.
type Reporter interface {
	HandleReport(ctx context.Context, id string, raw []byte) (orchestrator.Result, error)
}

// Component implements the report-watcher processor.
type Component struct {
	name     string
	config   Config
	reporter Reporter
	logger   *slog.Logger

	watcher *InboxWatcher

	// Lifecycle
	mu        sync.Mutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	processed atomic.Int64
	rejected  atomic.Int64
	lastMu    sync.RWMutex
	lastFile  time.Time
}

// NewComponent creates a new report-watcher component.
func NewComponent(config Config, reporter Reporter, logger *slog.Logger) (*Component, error) {
	defaults := DefaultConfig()
	if len(config.Patterns) == 0 {
		config.Patterns = defaults.Patterns
	}
	if config.Debounce == 0 {
		config.Debounce = defaults.Debounce
	}
	if config.ProcessedSuffix == "" {
		config.ProcessedSuffix = defaults.ProcessedSuffix
	}
	if config.RejectedSuffix == "" {
		config.RejectedSuffix = defaults.RejectedSuffix
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if reporter == nil {
		return nil, errors.New("reporter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:     "report-watcher",
		config:   config,
		reporter: reporter,
		logger:   logger,
	}, nil
}

// Start begins watching the inbox.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}

	w, err := NewInboxWatcher(c.config.Dir, c.config.Patterns, c.config.Debounce, c.logger)
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	if err := w.Start(loopCtx); err != nil {
		cancel()
		_ = w.Stop()
		return fmt.Errorf("start inbox watcher: %w", err)
	}

	done := make(chan struct{})
	go c.consume(loopCtx, w, done)

	c.watcher = w
	c.cancel = cancel
	c.done = done
	c.running = true
	c.startTime = time.Now()
	return nil
}

func (c *Component) consume(ctx context.Context, w *InboxWatcher, done chan struct{}) {
	defer close(done)
	for ev := range w.Events() {
		c.process(ctx, ev)
	}
}

// process applies one report file and renames it so it is not read again.
func (c *Component) process(ctx context.Context, ev ReportFile) {
	c.lastMu.Lock()
	c.lastFile = time.Now()
	c.lastMu.Unlock()

	if ev.WorkflowID == "" || !strings.Contains(ev.Path, "/") {
		c.reject(ev, errors.New("report is not inside a workflow directory"))
		return
	}
	raw, err := os.ReadFile(ev.AbsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to read report", "path", ev.Path, "error", err)
		}
		return
	}

	result, err := c.reporter.HandleReport(ctx, ev.WorkflowID, raw)
	if err != nil {
		c.reject(ev, err)
		return
	}
	c.processed.Add(1)
	c.logger.Info("Inbox report applied",
		"path", ev.Path,
		"workflow_id", ev.WorkflowID,
		"disposition", result.Disposition,
		"current_stage", result.CurrentStage,
		"dispatched", len(result.Dispatched))
	c.rename(ev, c.config.ProcessedSuffix)
}

func (c *Component) reject(ev ReportFile, err error) {
	c.rejected.Add(1)
	c.logger.Warn("Inbox report rejected",
		"path", ev.Path,
		"workflow_id", ev.WorkflowID,
		"error", err)
	c.rename(ev, c.config.RejectedSuffix)
}

func (c *Component) rename(ev ReportFile, suffix string) {
	if err := os.Rename(ev.AbsPath, ev.AbsPath+suffix); err != nil {
		c.logger.Warn("Failed to mark report", "path", ev.Path, "suffix", suffix, "error", err)
	}
}

// Stop stops the watcher and waits for the report in flight.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	if err := c.watcher.Stop(); err != nil {
		c.logger.Warn("Failed to close inbox watcher", "error", err)
	}
	select {
	case <-c.done:
	case <-time.After(timeout):
		return fmt.Errorf("report-watcher did not stop within %s", timeout)
	}
	c.running = false
	c.logger.Info("report-watcher stopped",
		"processed", c.processed.Load(),
		"rejected", c.rejected.Load(),
		"dropped", c.watcher.DroppedEvents())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Applies completion reports dropped into the inbox directory",
		Version:     "0.1.0",
	}
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.Lock()
	running := c.running
	startTime := c.startTime
	c.mu.Unlock()

	c.lastMu.RLock()
	last := c.lastFile
	c.lastMu.RUnlock()

	status := "stopped"
	var uptime time.Duration
	if running {
		status = "running"
		uptime = time.Since(startTime)
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  last,
		ErrorCount: int(c.rejected.Load()),
		Uptime:     uptime,
		Status:     status,
	}
}
