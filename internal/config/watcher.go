package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/sniroute/internal/observability"
)

// ConfigCallback receives every configuration that loads and validates
// after the watcher has started.
type ConfigCallback func(*Config)

// ErrorCallback receives rejected reloads and file watch errors.
type ErrorCallback func(error)

// Watcher reloads the configuration file when it changes on disk. The
// parent directory is watched so a file replaced by rename is still seen.
type Watcher struct {
	path          string
	fs            *fsnotify.Watcher
	callback      ConfigCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	// reloadMu serializes reloads from file events and ForceReload.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	current *Config
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the file must stay quiet before a
// reload. Editors often write a file in several steps.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		if delay > 0 {
			w.debounceDelay = delay
		}
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// NewWatcher creates a watcher for the configuration file at path. It does
// nothing until Start is called.
func NewWatcher(path string, callback ConfigCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:          absPath,
		fs:            fs,
		callback:      callback,
		logger:        observability.NopLogger(),
		debounceDelay: DefaultWatcherDebounceDelay,
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the file once and then follows changes until ctx ends or
// Stop is called. An invalid initial file is returned as an error and
// nothing is watched. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	cfg, err := w.load()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.current = cfg
	w.running = true
	go w.watch(ctx)

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
		observability.Duration("debounce", w.debounceDelay),
	)
	return nil
}

// Stop ends the watch loop and releases the file watcher. It is safe to
// call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.done)
		<-w.exited
	}
	return w.fs.Close()
}

// GetLastConfig returns the most recent configuration that validated, or
// nil before the first successful load.
func (w *Watcher) GetLastConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ForceReload reloads the file now, bypassing the debounce timer. A
// rejected file is reported and leaves the current configuration in place.
func (w *Watcher) ForceReload() error {
	return w.reload("forced")
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.exited)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watcher context done")
			return
		case <-w.done:
			w.logger.Debug("config watcher stopped")
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			timer, fire = w.handleFileEvent(event, timer, fire)
		case <-fire:
			fire = nil
			_ = w.reload("file change")
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", observability.Error(err))
			w.reportError(err)
		}
	}
}

// handleFileEvent (re)arms the debounce timer when the watched file is
// written or created. Other events leave timer and fire unchanged.
func (w *Watcher) handleFileEvent(
	event fsnotify.Event,
	timer *time.Timer,
	fire <-chan time.Time,
) (*time.Timer, <-chan time.Time) {
	if filepath.Clean(event.Name) != w.path {
		return timer, fire
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return timer, fire
	}

	w.logger.Debug("config file changed", observability.String("op", event.Op.String()))

	if timer == nil {
		timer = time.NewTimer(w.debounceDelay)
	} else {
		timer.Reset(w.debounceDelay)
	}
	return timer, timer.C
}

func (w *Watcher) reload(trigger string) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := w.load()
	if err != nil {
		w.logger.Error("configuration reload rejected, keeping current",
			observability.String("trigger", trigger),
			observability.Error(err),
		)
		w.reportError(err)
		return err
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("configuration file reloaded",
		observability.String("trigger", trigger),
		observability.Int("backends", len(cfg.Backends)),
	)

	if w.callback != nil {
		w.callback(cfg)
	}
	return nil
}

func (w *Watcher) reportError(err error) {
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

// load reads and validates the file.
func (w *Watcher) load() (*Config, error) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
