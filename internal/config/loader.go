package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	log "github.com/nghyane/pi-model-selector/internal/logging"
)

// Loader caches the parsed settings file and invalidates the cache when the
// file changes on disk. Each selection call gets a consistent snapshot.
type Loader struct {
	mu      sync.Mutex
	path    string
	cached  *LoadedConfig
	dirty   bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a loader for the given settings path (empty for the
// default location). The fsnotify watch is best-effort: if it cannot be
// established, every Load re-reads the file.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultSettingsPath()
	}
	l := &Loader{path: path, dirty: true, done: make(chan struct{})}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debugf("config: fsnotify unavailable, reloading per call: %v", err)
		return l
	}
	if err := watcher.Add(SelectorHome()); err != nil {
		log.Debugf("config: cannot watch %s: %v", SelectorHome(), err)
		watcher.Close()
		return l
	}
	l.watcher = watcher
	go l.watch()
	return l
}

func (l *Loader) watch() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.mu.Lock()
				l.dirty = true
				l.mu.Unlock()
			}
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		case <-l.done:
			return
		}
	}
}

// Load returns the current settings snapshot, re-reading the file if it
// changed since the previous call (or always, when no watch is active).
func (l *Loader) Load() (*LoadedConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil || l.dirty || l.cached == nil {
		cfg, err := Load(l.path)
		if err != nil {
			return nil, err
		}
		l.cached = cfg
		l.dirty = false
	}
	return l.cached, nil
}

// Close stops the file watcher.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		close(l.done)
		l.watcher.Close()
		l.watcher = nil
	}
}
