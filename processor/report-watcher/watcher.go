package reportwatcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

const (
	// eventChannelBuffer is the size of the report event channel.
	eventChannelBuffer = 500
)

// ReportFile is a report document that stopped changing.
type ReportFile struct {
	// Path is the slash-separated path relative to the inbox.
	Path string

	// AbsPath is the file path on disk.
	AbsPath string

	// WorkflowID is the first path segment.
	WorkflowID string
}

// InboxWatcher watches the inbox for report files and emits each one once
// it has been quiet for the debounce delay.
type InboxWatcher struct {
	dir      string
	patterns []string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Debouncing: path -> time of the last write
	pendingMu sync.Mutex
	pending   map[string]time.Time

	events chan ReportFile

	droppedEvents atomic.Int64
}

// NewInboxWatcher creates a watcher for dir. Patterns are doublestar globs
// relative to dir.
func NewInboxWatcher(dir string, patterns []string, debounce time.Duration, logger *slog.Logger) (*InboxWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(patterns) == 0 {
		patterns = DefaultConfig().Patterns
	}
	if debounce <= 0 {
		debounce = DefaultConfig().Debounce
	}
	return &InboxWatcher{
		dir:      dir,
		patterns: patterns,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]time.Time),
		events:   make(chan ReportFile, eventChannelBuffer),
	}, nil
}

// Events returns the channel of settled report files.
func (w *InboxWatcher) Events() <-chan ReportFile {
	return w.events
}

// Start creates the inbox, queues files already present and begins
// watching.
func (w *InboxWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.addWatchesRecursive(w.dir); err != nil {
		return err
	}
	if err := w.scanExisting(); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Report inbox watcher started",
		"dir", w.dir,
		"patterns", w.patterns,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
// The events channel is closed by processEvents when it exits.
func (w *InboxWatcher) Stop() error {
	return w.watcher.Close()
}

// Matches reports whether rel, a slash-separated inbox path, is a report.
func (w *InboxWatcher) Matches(rel string) bool {
	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// scanExisting queues reports written while nothing was watching.
func (w *InboxWatcher) scanExisting() error {
	fsys := os.DirFS(w.dir)
	seen := make(map[string]bool)
	var found []string
	for _, p := range w.patterns {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				found = append(found, m)
			}
		}
	}
	slices.Sort(found)

	now := time.Now()
	w.pendingMu.Lock()
	for _, rel := range found {
		w.pending[filepath.Join(w.dir, filepath.FromSlash(rel))] = now
	}
	w.pendingMu.Unlock()

	if len(found) > 0 {
		w.logger.Info("Queued reports already in inbox", "count", len(found))
	}
	return nil
}

// addWatchesRecursive adds watches to all directories.
func (w *InboxWatcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		}
		return nil
	})
}

// processEvents handles fsnotify events with debouncing.
func (w *InboxWatcher) processEvents(ctx context.Context) {
	defer close(w.events)
	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case now := <-ticker.C:
			w.flushSettled(ctx, now)
		}
	}
}

// handleFSEvent processes a single fsnotify event.
func (w *InboxWatcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
	}

	rel, err := filepath.Rel(w.dir, path)
	if err != nil || !w.Matches(filepath.ToSlash(rel)) {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(w.pending, path)
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		w.pending[path] = time.Now()
		w.logger.Debug("Report change detected",
			"path", rel,
			"op", event.Op.String())
	}
}

// handleNewDirectory watches a new workflow directory and queues any report
// written into it before the watch existed.
func (w *InboxWatcher) handleNewDirectory(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	if err := w.addWatchesRecursive(path); err != nil {
		w.logger.Warn("Failed to watch new directory",
			"path", path,
			"error", err)
		return
	}

	now := time.Now()
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.dir, p)
		if err == nil && w.Matches(filepath.ToSlash(rel)) {
			w.pendingMu.Lock()
			w.pending[p] = now
			w.pendingMu.Unlock()
		}
		return nil
	})
}

// flushSettled emits the files that have not changed for the debounce
// delay.
func (w *InboxWatcher) flushSettled(ctx context.Context, now time.Time) {
	w.pendingMu.Lock()
	var settled []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()
	slices.Sort(settled)

	for _, path := range settled {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		rel, _ := filepath.Rel(w.dir, path)
		rel = filepath.ToSlash(rel)
		id, _, _ := strings.Cut(rel, "/")
		w.sendEvent(ReportFile{Path: rel, AbsPath: path, WorkflowID: id})
	}
}

// sendEvent sends an event to the output channel.
func (w *InboxWatcher) sendEvent(event ReportFile) {
	select {
	case w.events <- event:
		w.logger.Debug("Report settled", "path", event.Path)
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Event channel full, dropping report",
			"path", event.Path,
			"total_dropped", dropped)
	}
}

// DroppedEvents returns the number of events dropped due to channel overflow.
func (w *InboxWatcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}
