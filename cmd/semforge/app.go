package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semforge/component"
	"github.com/c360studio/semforge/config"
	"github.com/c360studio/semforge/natsutil"
	reportwatcher "github.com/c360studio/semforge/processor/report-watcher"
	workflowapi "github.com/c360studio/semforge/processor/workflow-api"
	workfloworchestrator "github.com/c360studio/semforge/processor/workflow-orchestrator"
	"github.com/c360studio/semforge/storage"
	"github.com/c360studio/semforge/workflow/orchestrator"
	"github.com/c360studio/semforge/workflow/validation"
)

// App wires NATS, storage, the processors and the HTTP server together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	nats           *natsutil.Conn

	// Storage
	repo *storage.StateRepository

	registry     *prometheus.Registry
	group        *component.Group
	orchestrator *workfloworchestrator.Component
	api          *workflowapi.Component

	httpServer *http.Server
	listener   net.Listener
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start brings up every component. On failure whatever already started is
// shut down again.
func (a *App) Start(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		a.Shutdown(5 * time.Second)
		return err
	}
	return nil
}

func (a *App) start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	validator, err := validation.NewValidator()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.repo = storage.NewStateRepository(store, validator)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orchCfg, err := workfloworchestrator.ConfigFrom(a.cfg)
	if err != nil {
		return err
	}
	a.orchestrator, err = workfloworchestrator.NewComponent(orchCfg, workfloworchestrator.Dependencies{
		NATS:       a.nats.NC,
		Repository: a.repo,
		Validator:  validator,
		Metrics:    orchestrator.NewMetrics(a.registry),
		Logger:     a.logger.With("component", "workflow-orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("create workflow-orchestrator: %w", err)
	}

	apiCfg := workflowapi.DefaultConfig()
	a.api, err = workflowapi.NewComponent(apiCfg, a.orchestrator, a.logger.With("component", "workflow-api"))
	if err != nil {
		return fmt.Errorf("create workflow-api: %w", err)
	}

	a.group = component.NewGroup(a.logger)
	a.group.Add(a.orchestrator)
	a.group.Add(a.api)
	if a.cfg.Inbox.Enabled {
		watcher, err := reportwatcher.NewComponent(reportwatcher.Config{
			Dir:      a.cfg.Inbox.Dir,
			Patterns: a.cfg.Inbox.Patterns,
			Debounce: a.cfg.Inbox.Debounce,
		}, a.orchestrator, a.logger.With("component", "report-watcher"))
		if err != nil {
			return fmt.Errorf("create report-watcher: %w", err)
		}
		a.group.Add(watcher)
	}
	if err := a.group.Start(ctx); err != nil {
		return err
	}

	return a.startHTTP()
}

func (a *App) startNATS() error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		a.logger.Info("Starting embedded NATS server", "store_dir", a.cfg.NATS.StoreDir)
		ns, err := natsutil.StartEmbedded(natsutil.EmbeddedOptions{StoreDir: a.cfg.NATS.StoreDir})
		if err != nil {
			return err
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
	} else {
		a.logger.Info("Connecting to NATS", "url", url)
	}

	conn, err := natsutil.Connect(url, appName)
	if err != nil {
		return wrapNATSError(err, url)
	}
	a.nats = conn
	return nil
}

// openStore returns the artifact store named by the storage config.
func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendAFS:
		s := storage.NewAFSStore(nil, a.cfg.Storage.URL)
		a.logger.Info("Using afs storage", "url", s.BaseURL())
		return s, nil
	default:
		a.logger.Info("Using NATS KV storage", "bucket", a.cfg.Storage.Bucket)
		return storage.NewKVStore(ctx, a.nats.JS, a.cfg.Storage.Bucket)
	}
}

func (a *App) startHTTP() error {
	mux := http.NewServeMux()
	a.api.RegisterHTTPHandlers(a.api.Prefix(), mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("GET /health", a.handleHealth)

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln
	a.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()
	a.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := a.group.Health()
	status := http.StatusOK
	for _, h := range health {
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		a.logger.Warn("Failed to encode health response", "error", err)
	}
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown failed", "error", err)
		}
		cancel()
		a.httpServer = nil
	}
	if a.group != nil {
		if err := a.group.Stop(timeout); err != nil {
			a.logger.Warn("Component shutdown failed", "error", err)
		}
		a.group = nil
	}
	a.nats.Close()
	a.nats = nil
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
		a.embeddedServer = nil
	}
}

func wrapNATSError(err error, url string) error {
	return fmt.Errorf("connect to NATS at %s: %w (start nats-server or set nats.embedded: true)", url, err)
}
