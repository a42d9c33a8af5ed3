package config

import (
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler is called with the config in effect before a reload and the
// one that replaces it.
type ChangeHandler func(prev, next *Config)

// Watcher reloads the config file when it changes on disk and tells
// handlers what changed. The parent directory is watched so editors that
// save by rename are still seen. Bursts of events collapse into one reload.
// A reload that fails to parse, or that yields the same config, is not
// delivered.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	current  *Config
	handlers []ChangeHandler

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches path. current is the config already in use; it is the
// prev value of the first change.
func NewWatcher(path string, current *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		fsw:      fsw,
		debounce: 300 * time.Millisecond,
		current:  current,
		stop:     make(chan struct{}),
	}, nil
}

// OnChange registers h. Handlers run in order on the reload goroutine.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	slog.Debug("config: watching", "path", w.path)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fsw.Close()
	})
}

func (w *Watcher) loop() {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.stop:
		return
	default:
	}

	next, err := Load(w.path)
	if err != nil {
		slog.Error("config: reload failed, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	if reflect.DeepEqual(prev, next) {
		w.mu.Unlock()
		return
	}
	w.current = next
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(prev, next)
	}
	slog.Info("config: reloaded", "path", w.path)
}
