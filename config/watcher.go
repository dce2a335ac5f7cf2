package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the configuration file after it changed and hands
// the fresh Config to the registered handlers. Invalid files are
// logged and otherwise ignored, the running daemon keeps its settings.
type Watcher struct {
	path     string
	debounce time.Duration
	handlers []func(Config)
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewWatcher(path string, debounce time.Duration) *Watcher {
	return &Watcher{
		path:     path,
		debounce: debounce,
		done:     make(chan struct{}),
	}
}

func (w *Watcher) OnReload(handler func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Start watches the directory of the file, so editors that replace the
// file instead of writing it in place are noticed as well.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	slog.Info("Config watcher started", "path", w.path, "debounce", w.debounce)
	go w.watch(ctx)
	return nil
}

func (w *Watcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	var timerC <-chan time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	conf, err := ReadConfig(w.path)
	if err != nil {
		slog.Warn("Ignoring changed config file", "error", err)
		return
	}
	slog.Info("Config file changed, applying runtime settings", "path", w.path)
	w.mu.Lock()
	handlers := make([]func(Config), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()
	for _, handler := range handlers {
		handler(conf)
	}
}
