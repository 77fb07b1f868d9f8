// Package observer watches project directories for configuration and roster edits
package observer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
)

// DefaultDebounce batches the burst of events an editor produces for one save
const DefaultDebounce = 500 * time.Millisecond

// ChangeCallback is called once per project after a debounced burst of changes
type ChangeCallback func(projectID string, changedFiles []string)

// Watcher monitors project directories for changes to config.toml and worker definitions
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration
	log      *slog.Logger

	// watched directory -> project id
	dirs map[string]string

	pending map[string]map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher reporting to callback
func NewWatcher(callback ChangeCallback, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher:  fw,
		callback: callback,
		debounce: DefaultDebounce,
		log:      logger.With("component", "observer"),
		dirs:     make(map[string]string),
		pending:  make(map[string]map[string]struct{}),
	}, nil
}

// AddProject watches a project directory and its workers directory
func (w *Watcher) AddProject(id, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	workers := filepath.Join(dir, roster.WorkersDir)
	if err := os.MkdirAll(workers, 0755); err != nil {
		return err
	}
	for _, d := range []string{dir, workers} {
		d = filepath.Clean(d)
		if _, exists := w.dirs[d]; exists {
			continue
		}
		if err := w.watcher.Add(d); err != nil {
			return err
		}
		w.dirs[d] = id
	}
	return nil
}

// RemoveProject stops watching a project's directories
func (w *Watcher) RemoveProject(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for d, pid := range w.dirs {
		if pid != id {
			continue
		}
		w.watcher.Remove(d)
		delete(w.dirs, d)
	}
	delete(w.pending, id)
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watch error", "error", err)
			}
		}
	}()
}

// Stop stops watching and releases the underlying watcher
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// relevant reports whether a path is a project config or a worker definition
func relevant(path string) bool {
	if filepath.Base(path) == config.ProjectConfigName {
		return true
	}
	return filepath.Base(filepath.Dir(path)) == roster.WorkersDir && strings.HasSuffix(path, ".md")
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !relevant(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id, ok := w.dirs[filepath.Dir(filepath.Clean(event.Name))]
	if !ok {
		return
	}
	if w.pending[id] == nil {
		w.pending[id] = make(map[string]struct{})
	}
	w.pending[id][event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil {
		return
	}
	for id, fileMap := range pending {
		files := make([]string, 0, len(fileMap))
		for f := range fileMap {
			files = append(files, f)
		}
		if len(files) == 0 {
			continue
		}
		sort.Strings(files)
		w.log.Info("project files changed", "project", id, "files", len(files))
		w.callback(id, files)
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
