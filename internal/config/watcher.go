// Package config - watcher.go provides config file hot-reload support.
//
// The watcher polls the YAML file for changes (stat-based, every 5 seconds)
// and notifies registered callbacks when reloadable fields change.
//
// Only the order-manager limits, the engine schedule windows, and the cache
// tolerance are reloadable. Database settings, observer paths, and the
// checkpoints directory require an engine restart.
package config

import (
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigWatcher monitors the config file for changes and invokes callbacks
// when reloadable fields change. It uses stat-based polling (no external
// dependencies like fsnotify required).
type ConfigWatcher struct {
	path     string
	env      string
	logger   *log.Logger
	mu       sync.RWMutex
	current  *Config
	lastMod  time.Time
	onChange []func(old, new *Config)
	done     chan struct{}
	stopped  bool
}

// NewConfigWatcher creates a watcher for the given config file path.
// initial is the currently loaded config. The watcher does not start
// until Start() is called.
func NewConfigWatcher(path string, initial *Config, logger *log.Logger) *ConfigWatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}
	return &ConfigWatcher{
		path:    path,
		env:     env,
		logger:  logger,
		current: initial,
		done:    make(chan struct{}),
	}
}

// OnChange registers a callback invoked when the config file changes and
// the new config passes validation. Multiple callbacks may be registered.
// Callbacks receive the old and new config values.
//
// Only order-manager limit, engine schedule, and cache tolerance changes
// trigger callbacks.
// Changes to database settings or observer paths are ignored (they require
// a restart).
func (w *ConfigWatcher) OnChange(fn func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins polling the config file for changes. It returns immediately;
// the watcher runs in a background goroutine. Returns an error if the
// initial file stat fails.
func (w *ConfigWatcher) Start() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.lastMod = info.ModTime()
	w.logger.Printf("[config-watcher] watching %s for changes (poll interval: 5s)", w.path)

	go w.pollLoop()
	return nil
}

// Stop stops the config watcher. Safe to call multiple times.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
		w.logger.Println("[config-watcher] stopped")
	}
}

// Current returns the most recently loaded valid config.
func (w *ConfigWatcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *ConfigWatcher) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

func (w *ConfigWatcher) checkForChanges() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] stat error: %v", err)
		return
	}

	if !info.ModTime().After(w.lastMod) {
		return // file hasn't changed
	}
	w.lastMod = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] read error: %v", err)
		return
	}

	var sections map[string]*Config
	if err := yaml.Unmarshal(data, &sections); err != nil {
		w.logger.Printf("[config-watcher] parse error (keeping old config): %v", err)
		return
	}
	newCfg, ok := sections[w.env]
	if !ok || newCfg == nil {
		w.logger.Printf("[config-watcher] section %q missing (keeping old config)", w.env)
		return
	}

	w.mu.RLock()
	oldCfg := w.current
	w.mu.RUnlock()

	// Non-reloadable fields are carried over from the running config so
	// validation passes and callers never observe them changing.
	newCfg.Debug = oldCfg.Debug
	newCfg.Database = oldCfg.Database
	newCfg.Observer = oldCfg.Observer
	newCfg.CheckpointsDir = oldCfg.CheckpointsDir
	newCfg.applyDefaults()

	if err := newCfg.Validate(); err != nil {
		w.logger.Printf("[config-watcher] validation error (keeping old config): %v", err)
		return
	}

	if !reloadableChanged(oldCfg, newCfg) {
		w.logger.Printf("[config-watcher] file changed but reloadable config unchanged, skipping")
		return
	}

	w.logChanges(oldCfg, newCfg)

	w.mu.Lock()
	w.current = newCfg
	callbacks := make([]func(old, new *Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(oldCfg, newCfg)
	}
}

// reloadableChanged returns true if any hot-reloadable field changed.
func reloadableChanged(old, new *Config) bool {
	if old.OrderManager != new.OrderManager {
		return true
	}
	if old.Engine != new.Engine {
		return true
	}
	if old.CacheToleranceSeconds != new.CacheToleranceSeconds {
		return true
	}
	return false
}

func (w *ConfigWatcher) logChanges(old, new *Config) {
	if old.OrderManager.DailyAmountLimit != new.OrderManager.DailyAmountLimit {
		w.logger.Printf("[config-watcher] daily_amount_limit: %.0f -> %.0f",
			old.OrderManager.DailyAmountLimit, new.OrderManager.DailyAmountLimit)
	}
	if old.OrderManager.OffsetMaxHoldSeconds != new.OrderManager.OffsetMaxHoldSeconds {
		w.logger.Printf("[config-watcher] offset_max_hold_seconds: %d -> %d",
			old.OrderManager.OffsetMaxHoldSeconds, new.OrderManager.OffsetMaxHoldSeconds)
	}
	if old.Engine != new.Engine {
		w.logger.Printf("[config-watcher] engine schedule updated: trade=%s-%s sync_interval=%ds snapshot_interval=%ds",
			new.Engine.TradeStartTime, new.Engine.TradeEndTime,
			new.Engine.SyncIntervalSeconds, new.Engine.SnapshotIntervalSec)
	}
	if old.CacheToleranceSeconds != new.CacheToleranceSeconds {
		w.logger.Printf("[config-watcher] cache_tolerance_seconds: %d -> %d",
			old.CacheToleranceSeconds, new.CacheToleranceSeconds)
	}
}
