package workflow

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval is the delay after an fsnotify event before reloading,
// coalescing editor write bursts into one reload.
const debounceInterval = 200 * time.Millisecond

// Watcher hot-reloads workflow definitions when files in the workflow
// directory change. Reload failures keep the previous definition.
type Watcher struct {
	store *Store
	dir   string
}

func NewWatcher(store *Store, dir string) *Watcher {
	return &Watcher{store: store, dir: dir}
}

// Start blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("workflow watcher: failed to create fsnotify watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		slog.Warn("workflow watcher: directory not watchable", "dir", w.dir, "error", err)
		return
	}

	slog.Info("workflow watcher started", "dir", w.dir)

	var (
		debounce *time.Timer
		pending  = make(map[string]bool)
		fire     = make(chan struct{}, 1)
	)
	schedule := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(debounceInterval, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("workflow watcher stopped")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			switch filepath.Ext(event.Name) {
			case ".yaml", ".yml":
			default:
				continue
			}
			pending[event.Name] = true
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("workflow watcher: fsnotify error", "error", err)
		case <-fire:
			for path := range pending {
				if err := w.store.LoadWorkflow(path); err != nil {
					slog.Error("workflow watcher: reload failed", "path", path, "error", err)
					continue
				}
				slog.Info("workflow reloaded", "path", path)
			}
			pending = make(map[string]bool)
		}
	}
}
