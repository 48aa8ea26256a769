package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"cdpgateway/internal/logger"
)

// ChangeCallback is invoked with the reloaded config whenever the watched
// file changes and reparses successfully.
type ChangeCallback func(newCfg *Config)

// Reloader watches the gateway's config file and applies safe-to-hot-reload
// fields without a restart.
type Reloader struct {
	path string
	log  *logger.Logger

	mu  sync.RWMutex
	cfg *Config

	cbMu      sync.Mutex
	callbacks []ChangeCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, log *logger.Logger) *Reloader {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Reloader{
		path:          path,
		log:           log,
		debounceDelay: 500 * time.Millisecond,
	}
}

// OnChange registers a callback fired after every successful reload.
func (r *Reloader) OnChange(cb ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Config returns the current in-memory config.
func (r *Reloader) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Start performs the initial load and begins watching the file for changes.
func (r *Reloader) Start() error {
	if r.ctx != nil {
		return fmt.Errorf("config: reloader already started")
	}

	cfg, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	r.watcher = watcher

	// Watch the containing directory so atomic-rename writers (editors,
	// config management tools) are caught the same way a direct write is.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch directory %s: %w", dir, err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.watch()

	r.log.Info("config reloader started")
	return nil
}

// Stop stops watching and releases resources.
func (r *Reloader) Stop() {
	if r.ctx == nil {
		return
	}
	r.cancel()
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceMu.Unlock()
	r.wg.Wait()
}

func (r *Reloader) watch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.debounce()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("config watcher error")
			_ = err
		}
	}
}

func (r *Reloader) debounce() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounceDelay, r.reload)
}

func (r *Reloader) reload() {
	newCfg, err := Load(r.path)
	if err != nil {
		r.log.Warn("config reload failed, keeping previous config")
		return
	}

	r.mu.Lock()
	oldCfg := r.cfg
	changed := Diff(oldCfg, newCfg)
	// listen_addr and metrics_addr require a restart; preserve the running
	// values so a careless edit can't silently strand listeners.
	newCfg.ListenAddr = oldCfg.ListenAddr
	newCfg.MetricsAddr = oldCfg.MetricsAddr
	r.cfg = newCfg
	r.mu.Unlock()

	r.log.Info("config reloaded", zap.Strings("changed", changed))

	r.cbMu.Lock()
	callbacks := append([]ChangeCallback(nil), r.callbacks...)
	r.cbMu.Unlock()
	for _, cb := range callbacks {
		cb(newCfg)
	}
}
