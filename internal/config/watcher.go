package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/allaspectsdev/c3voit/internal/logging"
)

var watcherLog = logging.Component("config.watcher")

// reloadDebounce absorbs the burst of fsnotify events an editor's atomic
// save produces (write tmp, rename over the target).
const reloadDebounce = 100 * time.Millisecond

// OnReload is invoked after a successful hot-reload with the previous and
// freshly loaded config. Callbacks let long-lived components react to
// tuning changes (δ, similarity floor, tier priors) without a restart —
// the conformal knobs are exactly the ones operators adjust live while
// watching coverage telemetry.
type OnReload func(old, new *Config)

// Watcher hot-reloads the config file when it changes on disk.
type Watcher struct {
	fsw      *fsnotify.Watcher
	filePath string

	mu        sync.Mutex
	callbacks []OnReload

	done chan struct{}
}

// Watch begins watching filePath. The containing directory is watched
// rather than the file itself, because atomic saves replace the inode and
// a file-level watch would go stale after the first save.
func Watch(filePath string) (*Watcher, error) {
	if filePath == "" {
		return nil, fmt.Errorf("config watcher: file path must not be empty")
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("config watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watching %s: %w", filepath.Dir(absPath), err)
	}

	w := &Watcher{fsw: fsw, filePath: absPath, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// OnChange registers a reload callback. Safe for concurrent use.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.filePath {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) loop() {
	// The timer starts stopped; each relevant event rewinds it, so the
	// reload fires once per save burst.
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				debounce.Reset(reloadDebounce)
			}

		case <-debounce.C:
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			watcherLog.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) reload() {
	old := Get()

	newCfg, err := Load(w.filePath)
	if err != nil {
		watcherLog.Error().Err(err).Msg("config reload failed, keeping previous config")
		return
	}
	watcherLog.Info().Str("path", w.filePath).Msg("config reloaded")

	w.mu.Lock()
	cbs := make([]OnReload, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, cb := range cbs {
		w.notify(cb, old, newCfg)
	}
}

// notify isolates callback panics so one misbehaving consumer cannot kill
// the watch loop.
func (w *Watcher) notify(cb OnReload, old, newCfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			watcherLog.Error().Interface("panic", r).Msg("config reload callback panicked")
		}
	}()
	cb(old, newCfg)
}
