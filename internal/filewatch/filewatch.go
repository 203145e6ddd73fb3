// Package filewatch observes a path and emits one logical "change" per
// debounce window, built on fsnotify.
package filewatch

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/ankitkulkarni/ignition/internal/ierrors"
)

// EventKind distinguishes a relevant file change from a warning-level
// watcher error; neither terminates the stream.
type EventKind int

const (
	Changed EventKind = iota
	Error
)

// Event is what Watcher emits on its Events channel.
type Event struct {
	Kind EventKind
	Path string
	Err  error
}

// Watcher owns Watch State: the last-emitted timestamp, the debounce
// window, and the underlying fsnotify handle.
type Watcher struct {
	fsw      *fsnotify.Watcher
	clock    clockwork.Clock
	debounce time.Duration
	events   chan Event
	done     chan struct{}
	log      logrus.FieldLogger
}

// New arms an fsnotify watch on path (non-recursive) and starts the
// debouncing goroutine that feeds Events.
func New(path string, debounce time.Duration, clock clockwork.Clock, log logrus.FieldLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ierrors.Watcher("new", err)
	}
	dir := path
	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		dir = filepath.Dir(path)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, ierrors.Watcher("add "+dir, err)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &Watcher{
		fsw:      fsw,
		clock:    clock,
		debounce: debounce,
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
		log:      log,
	}
	go w.run()
	return w, nil
}

// Events returns the channel of Changed/Error events. It is closed once Stop
// has fully drained the underlying watcher.
func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) run() {
	defer close(w.events)
	var lastEmit time.Time
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			now := w.clock.Now()
			if !lastEmit.IsZero() && now.Sub(lastEmit) < w.debounce {
				continue
			}
			lastEmit = now
			select {
			case w.events <- Event{Kind: Changed, Path: ev.Name}:
			case <-w.done:
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.WithError(err).Warn("file watcher error")
			}
			select {
			case w.events <- Event{Kind: Error, Err: ierrors.Watcher("watch", err)}:
			case <-w.done:
				return
			}
		}
	}
}

// relevant reports whether ev indicates content modification of a regular
// file. Directory-only churn (e.g. a rename of a subdirectory) is ignored.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		// The path may have just been removed/renamed away; a Write/Create
		// event for a path we can no longer stat is still relevant to a
		// live-reload watcher because something on disk moved.
		return true
	}
	return info.Mode().IsRegular()
}

// Stop releases the OS-level watch handle. No events are produced after
// Stop returns; Events() will be closed once the run goroutine observes it.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}
