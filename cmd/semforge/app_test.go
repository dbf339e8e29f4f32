package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semforge/config"
	workflowapi "github.com/c360studio/semforge/processor/workflow-api"
	"github.com/c360studio/semforge/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.NATS.StoreDir = t.TempDir()
	cfg.Storage.Backend = config.BackendAFS
	cfg.Storage.URL = "mem://localhost/" + t.Name()
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { app.Shutdown(5 * time.Second) })
	return app
}

func TestAppStartStop(t *testing.T) {
	app, err := NewApp(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	assert.NotNil(t, app.nats)
	assert.NotNil(t, app.embeddedServer)
	assert.NotNil(t, app.repo)
	assert.NotEmpty(t, app.Addr())
	ns := app.embeddedServer

	app.Shutdown(5 * time.Second)
	assert.False(t, ns.Running(), "embedded server still running after shutdown")
	app.Shutdown(time.Second)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "s3"
	_, err := NewApp(cfg, nil)
	assert.Error(t, err)
}

func TestAppServesWorkflowAPI(t *testing.T) {
	app := startApp(t, testConfig(t))
	base := "http://" + app.Addr()

	resp, err := http.Post(base+"/api/workflows", "application/json",
		strings.NewReader(`{"workflow_id":"wf-app","product_name":"Recipe Box"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created workflowapi.CreateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "wf-app", created.WorkflowID)
	assert.Equal(t, []workflow.StageID{workflow.StageRequirements}, created.Result.Dispatched)

	resp, err = http.Get(base + "/api/workflows/wf-app/handoff")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Recipe Box")

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "semforge_active_workflows 1")
	assert.Contains(t, string(body), "semforge_invocations_total")

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	var health map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, health, "workflow-orchestrator")
	assert.Contains(t, health, "workflow-api")
}

func TestAppInboxAppliesReports(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inbox.Enabled = true
	cfg.Inbox.Dir = t.TempDir()
	cfg.Inbox.Debounce = 50 * time.Millisecond
	app := startApp(t, cfg)
	base := "http://" + app.Addr()

	resp, err := http.Post(base+"/api/workflows", "application/json",
		strings.NewReader(`{"workflow_id":"wf-inbox","product_name":"Recipe Box"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// A report without artifacts fails validation, so the file is rejected.
	dir := filepath.Join(cfg.Inbox.Dir, "wf-inbox")
	require.NoError(t, os.MkdirAll(dir, 0755))
	time.Sleep(100 * time.Millisecond)
	report := filepath.Join(dir, "requirements.json")
	require.NoError(t, os.WriteFile(report, []byte(`{
		"role": "product_manager",
		"stage": "requirements",
		"status": "completed",
		"attempt": 1,
		"timestamp": "`+time.Now().UTC().Add(time.Hour).Format(time.RFC3339)+`"
	}`), 0644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(report + ".rejected")
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
}
