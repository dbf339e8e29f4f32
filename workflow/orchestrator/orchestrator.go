// Package orchestrator is the single writer of workflow state. It receives
// completion reports and operator decisions, runs them through validation,
// gates, the cohort barrier and the failure policy, commits the result
// write-ahead and only then dispatches worker invocations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/barrier"
	"github.com/c360studio/semforge/workflow/failure"
	"github.com/c360studio/semforge/workflow/gate"
	"github.com/c360studio/semforge/workflow/validation"
)

// Invoker starts a worker. Delivery is fire-and-forget; the outcome arrives
// later as a completion report.
type Invoker interface {
	Invoke(ctx context.Context, inv workflow.Invocation) error
}

// StateStore persists the workflow state document.
type StateStore interface {
	Load(ctx context.Context, id string) (*workflow.State, error)
	Save(ctx context.Context, s *workflow.State) error
}

// ArtifactReader reads artifact documents referenced by reports.
type ArtifactReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config holds the static settings shared by orchestrators.
type Config struct {
	Graph   *workflow.Graph
	Policy  *workflow.Policy
	Failure failure.Policy
	// Checker runs the automated check at medium risk
	Checker gate.Checker
}

// Dependencies are the collaborators of an orchestrator.
type Dependencies struct {
	Invoker   Invoker
	Store     StateStore
	Artifacts ArtifactReader
	Validator *validation.Validator
	Metrics   *Metrics
	Logger    *slog.Logger
	// Clock defaults to time.Now
	Clock func() time.Time
}

// StartRequest describes a new workflow.
type StartRequest struct {
	ID          string        `json:"workflow_id,omitempty"`
	ProductName string        `json:"product_name"`
	ProjectType string        `json:"project_type,omitempty"`
	Mode        workflow.Mode `json:"execution_mode,omitempty"`
}

// Disposition tells the caller what happened to a report.
type Disposition string

const (
	// Accepted means the report was applied and committed.
	Accepted Disposition = "accepted"
	// Duplicate means the report was stale or replayed and changed nothing.
	Duplicate Disposition = "duplicate"
	// Rejected means the report failed validation or its retries are exhausted.
	Rejected Disposition = "rejected"
)

// Result summarizes one report or decision.
type Result struct {
	Disposition  Disposition        `json:"disposition,omitempty"`
	Stage        workflow.StageID   `json:"stage,omitempty"`
	CurrentStage workflow.StageID   `json:"current_stage"`
	Dispatched   []workflow.StageID `json:"dispatched,omitempty"`
	Errors       []string           `json:"errors,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// Orchestrator drives one workflow.
type Orchestrator struct {
	mu       sync.Mutex
	state    *workflow.State
	snapshot atomic.Pointer[workflow.State]

	graph    *workflow.Graph
	res      *workflow.Resolution
	enforcer *gate.Enforcer
	failures *failure.Handler

	invoker   Invoker
	store     StateStore
	artifacts ArtifactReader
	validator *validation.Validator
	metrics   *Metrics
	logger    *slog.Logger
	clock     func() time.Time

	timers map[workflow.StageID]*time.Timer
	// baseCtx is used by retry timers and canceled on Close
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  bool
}

// scheduledRetry is an automatic re-dispatch waiting on its backoff.
type scheduledRetry struct {
	stage   workflow.StageID
	attempt int
	delay   time.Duration
}

// txn is one transition under construction. Nothing in it is visible until
// commit persists the state.
type txn struct {
	s           *workflow.State
	b           *barrier.Barrier
	invocations []workflow.Invocation
	retries     []scheduledRetry
	warnings    []string
}

func newOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if deps.Store == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("artifact reader is required")
	}
	if cfg.Graph == nil {
		cfg.Graph = workflow.DefaultGraph()
	}
	if cfg.Policy == nil {
		p, err := workflow.DefaultPolicy()
		if err != nil {
			return nil, fmt.Errorf("load default policy: %w", err)
		}
		cfg.Policy = p
	}
	if cfg.Failure.Schema.MaxRetries == 0 {
		cfg.Failure = failure.DefaultPolicy()
	}
	if err := cfg.Failure.Validate(); err != nil {
		return nil, fmt.Errorf("failure policy: %w", err)
	}
	if deps.Validator == nil {
		v, err := validation.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("create validator: %w", err)
		}
		deps.Validator = v
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		graph:     cfg.Graph,
		enforcer:  gate.NewEnforcer(cfg.Checker),
		failures:  failure.NewHandler(cfg.Failure),
		invoker:   deps.Invoker,
		store:     deps.Store,
		artifacts: deps.Artifacts,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		clock:     deps.Clock,
		timers:    make(map[workflow.StageID]*time.Timer),
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Start creates a workflow, persists it and dispatches the first stage.
func Start(ctx context.Context, cfg Config, deps Dependencies, req StartRequest) (*Orchestrator, Result, error) {
	o, err := newOrchestrator(cfg, deps)
	if err != nil {
		return nil, Result{}, err
	}
	if req.ProductName == "" {
		return nil, Result{}, errors.New("product_name is required")
	}
	if req.ProjectType == "" {
		req.ProjectType = workflow.DefaultProjectType
	}
	if req.Mode == "" {
		req.Mode = workflow.ModeFull
	}
	if !req.Mode.IsValid() {
		return nil, Result{}, fmt.Errorf("unknown execution mode %q", req.Mode)
	}
	res, err := cfg.policy().Resolve(o.graph, req.ProjectType, req.Mode)
	if err != nil {
		return nil, Result{}, fmt.Errorf("resolve policy: %w", err)
	}
	o.res = res

	o.mu.Lock()
	now := o.now()
	o.state = workflow.NewState(req.ID, req.ProductName, req.ProjectType, req.Mode, o.graph, res, now)
	t := o.begin()
	if err := o.startStage(t, o.graph.First()); err != nil {
		o.mu.Unlock()
		return nil, Result{}, err
	}
	t.s.ActiveStage = o.graph.First()
	if err := o.commit(ctx, t); err != nil {
		o.mu.Unlock()
		return nil, Result{}, err
	}
	result := o.result(t, Accepted, o.graph.First())
	o.mu.Unlock()

	o.logger.Info("Workflow started",
		"workflow_id", t.s.ID,
		"project_type", req.ProjectType,
		"mode", req.Mode)
	o.dispatch(ctx, t.invocations)
	return o, result, nil
}

// Load restores a persisted workflow. Scheduled transient retries are
// re-armed with their full backoff.
func Load(ctx context.Context, cfg Config, deps Dependencies, id string) (*Orchestrator, error) {
	o, err := newOrchestrator(cfg, deps)
	if err != nil {
		return nil, err
	}
	s, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	if err := o.install(s, cfg.policy()); err != nil {
		return nil, err
	}
	o.logger.Info("Workflow restored",
		"workflow_id", s.ID,
		"current_stage", s.CurrentStage)
	return o, nil
}

func (c Config) policy() *workflow.Policy {
	if c.Policy != nil {
		return c.Policy
	}
	p, _ := workflow.DefaultPolicy()
	return p
}

// install makes s the live state and re-arms pending retries.
func (o *Orchestrator) install(s *workflow.State, policy *workflow.Policy) error {
	if err := o.checkShape(s); err != nil {
		return err
	}
	res, err := policy.Resolve(o.graph, s.ProjectType, s.Mode)
	if err != nil {
		return fmt.Errorf("resolve policy: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.res = res
	o.state = s
	o.snapshot.Store(s.Clone())
	o.stopTimers()
	if s.IsClosed() {
		return nil
	}
	for id, rec := range s.Stages {
		if rec.Hold == workflow.HoldRetryScheduled {
			o.schedule(scheduledRetry{stage: id, attempt: rec.Attempt, delay: o.failures.Policy().Transient.Backoff})
		}
	}
	return nil
}

// checkShape verifies every graph stage has a record.
func (o *Orchestrator) checkShape(s *workflow.State) error {
	if s == nil || s.ID == "" {
		return errors.New("workflow state has no id")
	}
	for _, def := range o.graph.Stages() {
		if s.Record(def.ID) == nil {
			return fmt.Errorf("workflow %s: missing stage record %s", s.ID, def.ID)
		}
	}
	cur := s.CurrentStage
	if _, ok := o.graph.Stage(cur); !ok && !o.graph.IsCohort(cur) && !cur.IsPseudo() {
		return fmt.Errorf("workflow %s: unknown current stage %q", s.ID, cur)
	}
	return nil
}

// ID returns the workflow id.
func (o *Orchestrator) ID() string {
	return o.snapshot.Load().ID
}

// Graph returns the stage graph.
func (o *Orchestrator) Graph() *workflow.Graph {
	return o.graph
}

// Snapshot returns a copy of the last committed state without taking the
// writer lock.
func (o *Orchestrator) Snapshot() *workflow.State {
	return o.snapshot.Load().Clone()
}

// ReplaceState installs a manually edited state. This is the only way to
// clear an escalation. Nothing is dispatched.
func (o *Orchestrator) ReplaceState(ctx context.Context, s *workflow.State) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return workflow.ErrWorkflowClosed
	}
	if s == nil || s.ID != o.state.ID {
		return fmt.Errorf("replace state: workflow id does not match %s", o.state.ID)
	}
	if err := o.checkShape(s); err != nil {
		return err
	}
	next := s.Clone()
	next.Reconcile()
	if err := next.CheckHalt(); err != nil {
		return err
	}
	next.UpdatedAt = o.now()
	if err := o.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}
	o.state = next
	o.snapshot.Store(next.Clone())
	o.failures.ClearWorkflow(next.ID)
	o.stopTimers()
	for id, rec := range next.Stages {
		if rec.Hold == workflow.HoldRetryScheduled {
			o.schedule(scheduledRetry{stage: id, attempt: rec.Attempt, delay: o.failures.Policy().Transient.Backoff})
		}
	}
	o.logger.Warn("Workflow state replaced manually",
		"workflow_id", next.ID,
		"current_stage", next.CurrentStage,
		"escalated", next.Escalated)
	return nil
}

// Close stops retry timers. The persisted state is left as is.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.stopTimers()
	o.cancel()
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC().Truncate(time.Second)
}

// begin opens a transition on a private copy of the live state.
func (o *Orchestrator) begin() *txn {
	s := o.state.Clone()
	return &txn{s: s, b: barrier.Restore(s)}
}

// commit checks the halt invariant, persists the copy and swaps it in.
// On error the live state is untouched.
func (o *Orchestrator) commit(ctx context.Context, t *txn) error {
	t.s.Reconcile()
	if err := t.s.CheckHalt(); err != nil {
		return err
	}
	t.s.UpdatedAt = o.now()
	if err := o.store.Save(ctx, t.s); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}
	o.state = t.s
	o.snapshot.Store(t.s.Clone())

	for _, r := range t.retries {
		o.schedule(r)
	}
	if t.s.IsClosed() {
		o.stopTimers()
		o.failures.ClearWorkflow(t.s.ID)
	}
	return nil
}

// dispatch delivers invocations after the state that produced them is durable.
func (o *Orchestrator) dispatch(ctx context.Context, invs []workflow.Invocation) {
	for _, inv := range invs {
		if err := o.invoker.Invoke(ctx, inv); err != nil {
			o.metrics.dispatchFailed(inv.Stage)
			o.logger.Error("Failed to dispatch invocation",
				"workflow_id", inv.WorkflowID,
				"stage", inv.Stage,
				"role", inv.Role,
				"error", err)
			continue
		}
		o.metrics.dispatched(inv.Stage)
		o.logger.Debug("Dispatched invocation",
			"workflow_id", inv.WorkflowID,
			"stage", inv.Stage,
			"attempt", inv.Attempt)
	}
}

func (o *Orchestrator) result(t *txn, d Disposition, stage workflow.StageID) Result {
	r := Result{Disposition: d, Stage: stage, CurrentStage: o.state.CurrentStage, Warnings: t.warnings}
	for _, inv := range t.invocations {
		if !slices.Contains(r.Dispatched, inv.Stage) {
			r.Dispatched = append(r.Dispatched, inv.Stage)
		}
	}
	return r
}

// schedule arms a retry timer. Must be called with mu held.
func (o *Orchestrator) schedule(r scheduledRetry) {
	if old := o.timers[r.stage]; old != nil {
		old.Stop()
	}
	o.timers[r.stage] = time.AfterFunc(r.delay, func() {
		o.fireRetry(r.stage, r.attempt)
	})
}

func (o *Orchestrator) stopTimers() {
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
}

// fireRetry re-dispatches a stage whose backoff elapsed. A timer whose
// attempt no longer matches the record is stale and does nothing.
func (o *Orchestrator) fireRetry(stage workflow.StageID, attempt int) {
	ctx := o.baseCtx

	o.mu.Lock()
	delete(o.timers, stage)
	rec := o.state.Record(stage)
	if o.closed || rec == nil || rec.Hold != workflow.HoldRetryScheduled || rec.Attempt != attempt {
		o.mu.Unlock()
		return
	}
	t := o.begin()
	if err := o.startStage(t, stage); err != nil {
		o.mu.Unlock()
		o.logger.Error("Failed to restart stage", "workflow_id", t.s.ID, "stage", stage, "error", err)
		return
	}
	if err := o.commit(ctx, t); err != nil {
		o.mu.Unlock()
		o.logger.Error("Failed to commit scheduled retry", "workflow_id", t.s.ID, "stage", stage, "error", err)
		return
	}
	o.mu.Unlock()

	o.metrics.retried(stage, failure.ClassTransient)
	o.logger.Info("Retrying stage after transient failure", "workflow_id", t.s.ID, "stage", stage)
	o.dispatch(ctx, t.invocations)
}
