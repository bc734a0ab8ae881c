package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher re-validates the config file whenever it changes on disk and
// reports the outcome. The running process keeps its loaded
// configuration; operators restart (or SIGHUP) to apply changes, so a
// bad edit is caught before it can take a restart down.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	lastModTime time.Time
	onValid     func(*Config)

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWatcher watches the given config file. An empty path yields a
// no-op watcher.
func NewWatcher(path string) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		stopChan: make(chan struct{}),
	}
	if path == "" {
		return w, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fsWatcher
	return w, nil
}

// OnValidChange registers a callback invoked with the re-loaded
// configuration after a change validates cleanly.
func (w *Watcher) OnValidChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onValid = callback
}

// Start begins watching. Editors replace files rather than write in
// place, so the parent directory is watched and events are filtered by
// name.
func (w *Watcher) Start() error {
	if w.watcher == nil {
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.loop()
	log.Debug().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.Recheck()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// Recheck re-loads and validates the config file immediately. It is
// also invoked on SIGHUP.
func (w *Watcher) Recheck() {
	if w.path == "" {
		return
	}

	cfg, err := LoadFrom(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config file changed but does not validate; keeping running configuration")
		return
	}

	log.Info().Str("path", w.path).Msg("Config file changed and validates; restart to apply")

	w.mu.Lock()
	callback := w.onValid
	w.mu.Unlock()
	if callback != nil {
		callback(cfg)
	}
}
