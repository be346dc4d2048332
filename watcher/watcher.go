// Package watcher provides a debounced inbox watcher: it observes a
// directory tree with fsnotify and emits a kick on its channel when XML
// files appear, so the orchestrator can scan promptly instead of waiting a
// full scan interval. The watcher is an accelerator only — the periodic
// scan remains the source of truth, so missed events are harmless.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options tunes the watcher behaviour.
type Options struct {
	// Dir is the inbox root to watch, recursively.
	Dir string
	// Debounce is the quiet window after the last event before a kick is
	// emitted. Default: 500ms.
	Debounce time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// W is the watcher handle.
type W struct {
	opts Options
	fsw  *fsnotify.Watcher

	// C receives one kick per debounced burst of inbox activity. Buffered:
	// a slow consumer never blocks the event loop.
	C chan struct{}
}

// New creates a watcher over opts.Dir and every existing subdirectory.
func New(opts Options) (*W, error) {
	opts.defaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	w := &W{opts: opts, fsw: fsw, C: make(chan struct{}, 1)}

	if err := w.addTree(opts.Dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *W) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// Run pumps events until ctx is cancelled. New subdirectories are added to
// the watch set; XML creations and writes arm the debounce timer.
func (w *W) Run(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// Watch directories as they appear so nested drops register.
				if err := w.addTree(ev.Name); err != nil {
					w.opts.Logger.Debug("watch add skipped", "path", ev.Name, "error", err)
				}
			}
			if !interesting(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				fire = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			select {
			case w.C <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Warn("inbox watch error", "error", err)
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *W) Close() error { return w.fsw.Close() }

func interesting(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), ".xml")
}
