// Package watch reports changes made on disk to the loaded configuration
// file.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultSettle = 100 * time.Millisecond

// Watcher watches a single file. The parent directory is watched so that
// editors replacing the file through a rename are noticed too. Bursts of
// events are folded into one callback after the file has been quiet for the
// settle period.
type Watcher struct {
	fs       *fsnotify.Watcher
	onChange func(path string)
	settle   time.Duration

	mu    sync.Mutex
	file  string
	dir   string
	timer *time.Timer
}

func New(onChange func(path string)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fs: fs, onChange: onChange, settle: DefaultSettle}, nil
}

// Watch switches the watcher to path.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dir != "" && w.dir != dir {
		if err := w.fs.Remove(w.dir); err != nil {
			slog.Debug("unwatch config dir", "dir", w.dir, "error", err)
		}
	}
	if w.dir != dir {
		if err := w.fs.Add(dir); err != nil {
			return err
		}
	}
	w.file, w.dir = abs, dir
	slog.Debug("watching configuration file", "path", abs)
	return nil
}

// Run dispatches events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if filepath.Clean(event.Name) != w.file {
		return
	}
	file := w.file
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, func() { w.onChange(file) })
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}
