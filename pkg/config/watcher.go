package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceWindow = 200 * time.Millisecond

// Watcher reloads configuration when the file changes on disk. The parent
// directory is watched rather than the file itself: editors and config
// management tools replace the file, which drops a file-level watch.
type Watcher struct {
	loader   *Loader
	onChange func(*Config)
	logger   *log.Logger

	mu      sync.Mutex
	fw      *fsnotify.Watcher
	stop    chan struct{}
	stopped bool
}

// NewWatcher wires a watcher to a loader. onChange receives every
// successfully reloaded config.
func NewWatcher(loader *Loader, onChange func(*Config), logger *log.Logger) *Watcher {
	return &Watcher{loader: loader, onChange: onChange, logger: logger}
}

// Start begins watching. It returns after the watch is established; reloads
// happen on a background goroutine until Stop.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.loader.Path())); err != nil {
		fw.Close()
		return err
	}
	w.mu.Lock()
	w.fw = fw
	w.stop = make(chan struct{})
	w.stopped = false
	w.mu.Unlock()
	go w.loop(fw)
	return nil
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fw == nil {
		return
	}
	w.stopped = true
	close(w.stop)
	w.fw.Close()
}

func (w *Watcher) loop(fw *fsnotify.Watcher) {
	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.loader.Path() {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: editors fire several events per save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logf("config watch: %v", err)
		case <-pending:
			cfg, err := w.loader.Reload()
			if err != nil {
				w.logf("config reload: %v", err)
				continue
			}
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
