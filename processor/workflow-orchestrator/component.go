// Package workfloworchestrator hosts the orchestrators of every live
// workflow. It creates and restores workflows, routes completion reports
// arriving over NATS to them, applies operator decisions and sweeps stage
// deadlines on a fixed interval.
package workfloworchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/semforge/component"
	"github.com/c360studio/semforge/storage"
	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/orchestrator"
	"github.com/c360studio/semforge/workflow/validation"
)

var (
	// ErrWorkflowNotFound is returned for ids with no live or persisted workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowExists is returned when a start request reuses an id.
	ErrWorkflowExists = errors.New("workflow already exists")
	// ErrInvalidWorkflowID is returned for ids that are not a single subject token.
	ErrInvalidWorkflowID = errors.New("invalid workflow id")
)

// Dependencies are the collaborators of the component.
type Dependencies struct {
	// NATS carries reports in and, without Invoker, invocations out.
	NATS *nats.Conn
	// Repository persists state and serves artifacts.
	Repository *storage.StateRepository
	// Invoker overrides the NATS invoker.
	Invoker   orchestrator.Invoker
	Validator *validation.Validator
	Metrics   *orchestrator.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Component implements the workflow orchestrator processor.
type Component struct {
	name   string
	config Config
	deps   orchestrator.Dependencies
	nc     *nats.Conn
	repo   *storage.StateRepository
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*orchestrator.Orchestrator
	createMu  sync.Mutex

	// Lifecycle
	running   bool
	startTime time.Time
	sub       *nats.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	lifecycle sync.Mutex

	// Metrics
	reportsHandled   atomic.Int64
	reportErrors     atomic.Int64
	checksPerformed  atomic.Int64
	timeoutsDetected atomic.Int64
	lastCheckMu      sync.RWMutex
	lastCheck        time.Time
}

// NewComponent creates a new workflow orchestrator component.
func NewComponent(config Config, deps Dependencies) (*Component, error) {
	defaults := DefaultConfig()
	if config.CheckInterval == 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.ReportSubject == "" {
		config.ReportSubject = defaults.ReportSubject
	}
	if config.InvokePrefix == "" {
		config.InvokePrefix = defaults.InvokePrefix
	}
	if config.DefaultProjectType == "" {
		config.DefaultProjectType = defaults.DefaultProjectType
	}
	if config.DefaultMode == "" {
		config.DefaultMode = defaults.DefaultMode
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if deps.Repository == nil {
		return nil, errors.New("state repository required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Validator == nil {
		v, err := validation.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("create validator: %w", err)
		}
		deps.Validator = v
	}
	invoker := deps.Invoker
	if invoker == nil {
		if deps.NATS == nil {
			return nil, errors.New("NATS connection or invoker required")
		}
		invoker = NewNATSInvoker(deps.NATS, config.InvokePrefix)
	}

	return &Component{
		name:   "workflow-orchestrator",
		config: config,
		deps: orchestrator.Dependencies{
			Invoker:   invoker,
			Store:     deps.Repository,
			Artifacts: deps.Repository,
			Validator: deps.Validator,
			Metrics:   deps.Metrics,
			Logger:    deps.Logger,
			Clock:     deps.Clock,
		},
		nc:        deps.NATS,
		repo:      deps.Repository,
		logger:    deps.Logger,
		workflows: make(map[string]*orchestrator.Orchestrator),
	}, nil
}

// Start restores persisted workflows, subscribes to reports and begins
// sweeping deadlines.
func (c *Component) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}

	if err := c.restore(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if c.nc != nil {
		sub, err := c.subscribe(loopCtx)
		if err != nil {
			cancel()
			return err
		}
		c.sub = sub
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.startTime = time.Now()

	go c.checkLoop(loopCtx, c.done)

	c.logger.Info("workflow-orchestrator started",
		"workflows", c.count(),
		"report_subject", c.config.ReportSubject,
		"check_interval", c.config.CheckInterval)
	return nil
}

// restore loads every persisted workflow that is still open.
func (c *Component) restore(ctx context.Context) error {
	ids, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	for _, id := range ids {
		if c.get(id) != nil {
			continue
		}
		o, err := orchestrator.Load(ctx, c.config.Orchestrator, c.deps, id)
		if err != nil {
			c.logger.Warn("Failed to restore workflow", "workflow_id", id, "error", err)
			continue
		}
		c.put(o)
	}
	c.updateActive()
	return nil
}

func (c *Component) subscribe(ctx context.Context) (*nats.Subscription, error) {
	handler := func(msg *nats.Msg) {
		c.handleMessage(ctx, msg)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if c.config.QueueGroup != "" {
		sub, err = c.nc.QueueSubscribe(c.config.ReportSubject, c.config.QueueGroup, handler)
	} else {
		sub, err = c.nc.Subscribe(c.config.ReportSubject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", c.config.ReportSubject, err)
	}
	return sub, nil
}

// reportReply is sent back when a report is published as a request.
type reportReply struct {
	orchestrator.Result
	Error string `json:"error,omitempty"`
}

// handleMessage routes one NATS report to its workflow. The workflow id is
// read from the Workflow-Id header, falling back to the last subject token.
func (c *Component) handleMessage(ctx context.Context, msg *nats.Msg) {
	id := msg.Header.Get(workflow.HeaderWorkflowID)
	if id == "" {
		if fromSubject, ok := workflow.WorkflowIDFromSubject(msg.Subject); ok {
			id = fromSubject
		} else {
			id = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
		}
	}

	result, err := c.HandleReport(ctx, id, msg.Data)
	if err != nil {
		c.logger.Warn("Report not applied",
			"workflow_id", id,
			"subject", msg.Subject,
			"error", err)
	}

	if msg.Reply == "" {
		return
	}
	reply := reportReply{Result: result}
	if err != nil {
		reply.Error = err.Error()
	}
	data, mErr := json.Marshal(reply)
	if mErr != nil {
		c.logger.Error("Failed to marshal report reply", "error", mErr)
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		c.logger.Warn("Failed to reply to report", "workflow_id", id, "error", rErr)
	}
}

// checkLoop periodically sweeps stage deadlines.
func (c *Component) checkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.CheckTimeouts(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckTimeouts(ctx)
		}
	}
}

// CheckTimeouts sweeps every live workflow and returns the number of stages
// that timed out.
func (c *Component) CheckTimeouts(ctx context.Context) int {
	c.checksPerformed.Add(1)
	c.updateLastCheck()

	total := 0
	for _, o := range c.snapshot() {
		expired, err := o.CheckTimeouts(ctx)
		if err != nil {
			c.logger.Warn("Failed to check workflow timeouts",
				"workflow_id", o.ID(),
				"error", err)
			continue
		}
		total += len(expired)
	}
	if total > 0 {
		c.timeoutsDetected.Add(int64(total))
	}
	return total
}

// Create starts a new workflow. Project type and mode fall back to the
// configured defaults.
func (c *Component) Create(ctx context.Context, req orchestrator.StartRequest) (string, orchestrator.Result, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.ProjectType == "" {
		req.ProjectType = c.config.DefaultProjectType
	}
	if req.Mode == "" {
		req.Mode = c.config.DefaultMode
	}
	if !validID(req.ID) {
		return "", orchestrator.Result{}, fmt.Errorf("%w: %q", ErrInvalidWorkflowID, req.ID)
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()
	if c.get(req.ID) != nil {
		return "", orchestrator.Result{}, fmt.Errorf("%w: %s", ErrWorkflowExists, req.ID)
	}
	if _, err := c.repo.Load(ctx, req.ID); err == nil {
		return "", orchestrator.Result{}, fmt.Errorf("%w: %s", ErrWorkflowExists, req.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", orchestrator.Result{}, fmt.Errorf("check workflow %s: %w", req.ID, err)
	}

	o, result, err := orchestrator.Start(ctx, c.config.Orchestrator, c.deps, req)
	if err != nil {
		return "", result, err
	}
	c.put(o)
	c.updateActive()
	return o.ID(), result, nil
}

// HandleReport applies a raw completion report to workflow id.
func (c *Component) HandleReport(ctx context.Context, id string, raw []byte) (orchestrator.Result, error) {
	o := c.get(id)
	if o == nil {
		c.reportErrors.Add(1)
		return orchestrator.Result{Disposition: orchestrator.Rejected}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	result, err := o.HandleReport(ctx, raw)
	c.reportsHandled.Add(1)
	if err != nil {
		c.reportErrors.Add(1)
	}
	c.updateActive()
	return result, err
}

// Decide applies an operator decision to workflow id.
func (c *Component) Decide(ctx context.Context, id string, req orchestrator.DecisionRequest) (orchestrator.Result, error) {
	o := c.get(id)
	if o == nil {
		return orchestrator.Result{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	result, err := o.Decide(ctx, req)
	c.updateActive()
	return result, err
}

// Replace installs a manually edited state for workflow s.ID.
func (c *Component) Replace(ctx context.Context, s *workflow.State) error {
	if s == nil {
		return errors.New("state is required")
	}
	o := c.get(s.ID)
	if o == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, s.ID)
	}
	if err := o.ReplaceState(ctx, s); err != nil {
		return err
	}
	c.updateActive()
	return nil
}

// Workflow returns the last committed state of workflow id.
func (c *Component) Workflow(id string) (*workflow.State, error) {
	o := c.get(id)
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return o.Snapshot(), nil
}

// Workflows returns the state of every live workflow ordered by creation.
func (c *Component) Workflows() []*workflow.State {
	orchestrators := c.snapshot()
	states := make([]*workflow.State, 0, len(orchestrators))
	for _, o := range orchestrators {
		states = append(states, o.Snapshot())
	}
	slices.SortFunc(states, func(a, b *workflow.State) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return states
}

// Graph returns the stage graph shared by all workflows.
func (c *Component) Graph() *workflow.Graph {
	if c.config.Orchestrator.Graph != nil {
		return c.config.Orchestrator.Graph
	}
	return workflow.DefaultGraph()
}

// validID accepts ids usable as a subject token and a storage path segment.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (c *Component) get(id string) *orchestrator.Orchestrator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workflows[id]
}

func (c *Component) put(o *orchestrator.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows[o.ID()] = o
}

func (c *Component) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workflows)
}

func (c *Component) snapshot() []*orchestrator.Orchestrator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*orchestrator.Orchestrator, 0, len(c.workflows))
	for _, o := range c.workflows {
		out = append(out, o)
	}
	return out
}

func (c *Component) updateActive() {
	active := 0
	for _, o := range c.snapshot() {
		if !o.Snapshot().IsClosed() {
			active++
		}
	}
	c.deps.Metrics.SetActive(active)
}

func (c *Component) updateLastCheck() {
	c.lastCheckMu.Lock()
	c.lastCheck = time.Now()
	c.lastCheckMu.Unlock()
}

// Stop unsubscribes, stops the check loop and closes every orchestrator.
// Persisted state is left as is.
func (c *Component) Stop(timeout time.Duration) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.running {
		return nil
	}

	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("Failed to drain report subscription", "error", err)
		}
		c.sub = nil
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(timeout):
		c.logger.Warn("Timeout check loop did not stop in time", "timeout", timeout)
	}

	for _, o := range c.snapshot() {
		o.Close()
	}
	c.mu.Lock()
	c.workflows = make(map[string]*orchestrator.Orchestrator)
	c.mu.Unlock()

	c.running = false
	c.logger.Info("workflow-orchestrator stopped",
		"reports_handled", c.reportsHandled.Load(),
		"report_errors", c.reportErrors.Load(),
		"checks_performed", c.checksPerformed.Load(),
		"timeouts_detected", c.timeoutsDetected.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Drives workflows through the stage graph",
		Version:     "0.1.0",
	}
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.lifecycle.Lock()
	running := c.running
	startTime := c.startTime
	c.lifecycle.Unlock()

	c.lastCheckMu.RLock()
	lastCheck := c.lastCheck
	c.lastCheckMu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}
	uptime := time.Duration(0)
	if running {
		uptime = time.Since(startTime)
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  lastCheck,
		ErrorCount: int(c.reportErrors.Load()),
		Uptime:     uptime,
		Status:     status,
	}
}
