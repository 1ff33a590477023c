package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/admission/internal/logging"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk and hands
// each valid result to the registered callbacks. Invalid files are logged
// and the previous configuration stays current.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	debounce   time.Duration

	mu         sync.RWMutex
	callbacks  []func(*Config)
	errorHooks []func(error)
	lastConfig *Config

	timerMu sync.Mutex
	timer   *time.Timer
	done    chan struct{}
}

// NewWatcher creates a watcher seeded with the configuration at configPath.
func NewWatcher(configPath string) (*Watcher, error) {
	loader := NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:    fsWatcher,
		loader:     loader,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		lastConfig: cfg,
		done:       make(chan struct{}),
	}, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// OnError registers a callback for rejected reloads.
func (w *Watcher) OnError(hook func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errorHooks = append(w.errorHooks, hook)
}

// Start watches the directory holding the file, which survives editors
// that replace the file by rename.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Reload)
}

// Reload loads the file now and notifies callbacks on success.
func (w *Watcher) Reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config", zap.String("path", w.configPath), zap.Error(err))
		w.mu.RLock()
		hooks := append([]func(error){}, w.errorHooks...)
		w.mu.RUnlock()
		for _, h := range hooks {
			h(err)
		}
		return
	}

	w.mu.Lock()
	w.lastConfig = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.configPath))
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.timerMu.Unlock()
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
