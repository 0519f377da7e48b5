package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buildd-ai/buildd-sub004/internal/shared/async"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher monitors the config file and refreshes the cache asynchronously.
// Editors replace files via rename, so the parent directory is watched and
// events are filtered to the config path.
type Watcher struct {
	path     string
	cache    *Cache
	logger   logging.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes watcher behavior.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce window for reloads.
func WithWatchDebounce(debounce time.Duration) WatcherOption {
	return func(w *Watcher) {
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

// WithWatchLogger sets the logger for watcher diagnostics.
func WithWatchLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logging.OrNop(logger)
	}
}

// NewWatcher constructs a watcher for the config path.
func NewWatcher(path string, cache *Cache, opts ...WatcherOption) (*Watcher, error) {
	if cache == nil {
		return nil, fmt.Errorf("config cache required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	watcher := &Watcher{
		path:     path,
		cache:    cache,
		logger:   logging.OrNop(nil),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(watcher)
	}
	return watcher, nil
}

// Start begins watching the config file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("config watcher is nil")
	}
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}

	async.Go(w.logger, "config.watch", w.watchLoop)
	if ctx != nil {
		async.Go(w.logger, "config.watch.ctx", func() {
			<-ctx.Done()
			w.Stop()
		})
	}
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

// Updates exposes the cache update signals.
func (w *Watcher) Updates() <-chan struct{} {
	if w == nil || w.cache == nil {
		return nil
	}
	return w.cache.Updates()
}

// Resolve proxies to the underlying cache.
func (w *Watcher) Resolve(ctx context.Context) (ServerConfig, Metadata, error) {
	if w == nil || w.cache == nil {
		return ServerConfig{}, Metadata{}, fmt.Errorf("config watcher not initialized")
	}
	return w.cache.Resolve(ctx)
}

func (w *Watcher) watchLoop() {
	for {
		w.mu.Lock()
		fsWatcher := w.watcher
		w.mu.Unlock()
		if fsWatcher == nil {
			return
		}
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		if err := w.cache.Reload(context.Background()); err != nil {
			w.logger.Warn("Config reload failed: %v", err)
			return
		}
		w.logger.Info("Config reloaded from %s", w.path)
	})
}
