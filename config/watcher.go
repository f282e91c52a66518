package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports modifications of the config file as SIGHUP on the
// application's signal channel, so editing the file and pressing the
// reload key in the TUI take the same path through the main loop.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchFile starts watching cfile for changes. Editors usually replace
// the file on save, which would invalidate a watch on the file itself,
// so the containing directory is watched and events are filtered by
// name. Rapid event bursts are collapsed into a single notification
// after the debounce interval.
func WatchFile(cfile string, debounce time.Duration, ossignal chan<- os.Signal) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config file watcher: %w", err)
	}

	dir := filepath.Dir(cfile)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{
		fsw:  fsw,
		done: make(chan struct{}),
	}
	go w.run(filepath.Clean(cfile), debounce, ossignal)
	return w, nil
}

func (w *Watcher) run(cfile string, debounce time.Duration, ossignal chan<- os.Signal) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cfile {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			slog.Info("Config file changed on disk, requesting reload", "file", cfile)
			select {
			case ossignal <- syscall.SIGHUP:
			default:
				// A reload is already queued.
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Config file watcher error", "error", err)
		}
	}
}

// Stop ends the watch. It must not be called twice.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
