package reportwatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing dir", func(c *Config) { c.Dir = "" }, true},
		{"no patterns", func(c *Config) { c.Patterns = nil }, true},
		{"bad pattern", func(c *Config) { c.Patterns = []string{"[unclosed"} }, true},
		{"negative debounce", func(c *Config) { c.Debounce = -time.Second }, true},
		{"pattern matches processed files", func(c *Config) { c.Patterns = []string{"**/*"} }, true},
		{"recursive json", func(c *Config) { c.Patterns = []string{"**/*.json"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	w, err := NewInboxWatcher(t.TempDir(), nil, 0, nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.True(t, w.Matches("wf-1/requirements.json"))
	assert.False(t, w.Matches("wf-1/requirements.json.processed"))
	assert.False(t, w.Matches("stray.json"))
	assert.False(t, w.Matches("wf-1/nested/report.json"))
}

func startWatcher(t *testing.T, dir string) *InboxWatcher {
	t.Helper()
	w, err := NewInboxWatcher(dir, []string{"*/*.json"}, 50*time.Millisecond, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	return w
}

func waitEvent(t *testing.T, w *InboxWatcher) ReportFile {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for report event")
		return ReportFile{}
	}
}

func TestWatcherEmitsSettledReport(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "wf-1"), 0755))
	w := startWatcher(t, dir)

	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(dir, "wf-1", "backend.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"stage":"backend_implementation"}`), 0644))

	ev := waitEvent(t, w)
	assert.Equal(t, "wf-1/backend.json", ev.Path)
	assert.Equal(t, "wf-1", ev.WorkflowID)
	assert.Equal(t, path, ev.AbsPath)
}

func TestWatcherQueuesExistingReports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "wf-2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wf-2", "qa.json"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wf-2", "old.json.processed"), []byte(`{}`), 0644))

	w := startWatcher(t, dir)
	ev := waitEvent(t, w)
	assert.Equal(t, "wf-2/qa.json", ev.Path)
	assert.Equal(t, "wf-2", ev.WorkflowID)

	select {
	case extra := <-w.Events():
		t.Errorf("unexpected event for %s", extra.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherFollowsNewWorkflowDirectory(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)
	time.Sleep(100 * time.Millisecond)

	sub := filepath.Join(dir, "wf-3")
	require.NoError(t, os.MkdirAll(sub, 0755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "deployment.json"), []byte(`{}`), 0644))

	ev := waitEvent(t, w)
	assert.Equal(t, "wf-3/deployment.json", ev.Path)
	assert.Equal(t, "wf-3", ev.WorkflowID)
}
