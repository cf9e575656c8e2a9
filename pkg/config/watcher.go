package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/docker/agentlab/pkg/config/latest"
	"github.com/docker/agentlab/pkg/environment"
)

// ChangeEvent reports that the watched file settled after a change.
type ChangeEvent struct {
	Path      string
	Timestamp time.Time
}

// Watcher reports changes to a single configuration file.
type Watcher struct {
	fs       *fsnotify.Watcher
	events   chan ChangeEvent
	debounce time.Duration
	path     string

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	stopped bool
}

const defaultDebounce = 500 * time.Millisecond

type WatcherOpt func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a change is
// reported.
func WithDebounce(d time.Duration) WatcherOpt {
	return func(w *Watcher) {
		w.debounce = d
	}
}

func NewWatcher(opts ...WatcherOpt) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		events:   make(chan ChangeEvent, 16),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch selects the file to watch. The parent directory is watched so that
// files replaced by a rename are still seen.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("watcher is closed")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch directory of %s: %w", abs, err)
	}

	w.path = abs
	slog.Debug("Watching config file", "path", abs)
	return nil
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start processes file system events until ctx is done or the watcher is
// closed.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.stopped = true
		close(w.events)
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || name != w.watchedPath() {
				continue
			}
			slog.Debug("Config file changed", "path", name, "op", ev.Op)
			w.schedule(name)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) watchedPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// schedule emits a ChangeEvent once no write happened for the debounce
// delay. Editors often write a file several times in a row.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || w.stopped {
			return
		}

		select {
		case w.events <- ChangeEvent{Path: path, Timestamp: time.Now()}:
		default:
			slog.Warn("Config change dropped, event channel full", "path", path)
		}
	})
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}

	if err := w.fs.Close(); err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	return nil
}

// Reload loads path again after every change and passes the new
// configuration to apply. Files that fail to load are logged and the
// previous configuration stays in effect. It returns when ctx is done or
// the watcher stops.
func (w *Watcher) Reload(ctx context.Context, path string, env environment.Provider, apply func(*latest.Config)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := Load(ctx, path, env)
			if err != nil {
				slog.Error("Failed to reload config, keeping the previous one", "path", ev.Path, "error", err)
				continue
			}
			slog.Info("Config reloaded", "path", ev.Path, "agents", len(cfg.Agents))
			apply(cfg)
		}
	}
}
