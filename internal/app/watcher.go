package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads an Application when its host document or stylesheet
// changes on disk.
type Watcher struct {
	root     string
	app      *Application
	logger   *slog.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration. Default is 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a watcher for an Application mounted from the directory root.
func NewWatcher(root string, app *Application, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:     root,
		app:      app,
		logger:   logger.With("component", "app_watcher"),
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the parent directories of the watched files and reloads the
// application on debounced write/create/rename events. It blocks until ctx
// is cancelled, then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	targets := make(map[string]bool)
	opts := w.app.Options()
	for _, rel := range []string{opts.Entry, opts.Stylesheet} {
		if rel == "" {
			continue
		}
		p := filepath.Join(w.root, filepath.FromSlash(rel))
		targets[filepath.Clean(p)] = true
	}

	// Watch parent directories to catch atomic write patterns (vim, VS Code).
	dirs := make(map[string]bool)
	for p := range targets {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			return err
		}
		dirs[dir] = true
	}

	reloadCh := make(chan struct{}, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})

		case <-reloadCh:
			if err := w.app.Reload(); err != nil {
				w.logger.Warn("host document reload failed; keeping previous version", "err", err)
				continue
			}
			w.logger.Info("host document reloaded", "entry", opts.Entry)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}
