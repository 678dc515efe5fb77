package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/scanner"
)

// Config tunes the watcher's coalescing behavior.
type Config struct {
	DebounceDelay    time.Duration
	MaxDebounceDelay time.Duration
	QueueCapacity    int
}

// Watcher subscribes to filesystem notifications under the configured
// roots and emits debounced change sets consumable by an incremental
// scan. Overflow or a notification error degrades to a full-scan
// request rather than dropping changes.
type Watcher struct {
	fs        *fsnotify.Watcher
	debouncer *Debouncer

	changeChan   chan []scanner.Change
	fullScanChan chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watched map[string]bool
	started bool
}

func New(cfg Config) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 250 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		fs:           fs,
		debouncer:    NewDebouncer(cfg.DebounceDelay, cfg.MaxDebounceDelay, cfg.QueueCapacity),
		changeChan:   make(chan []scanner.Change, cfg.QueueCapacity),
		fullScanChan: make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		watched:      make(map[string]bool),
	}, nil
}

// Start begins watching the given roots. New subdirectories are picked
// up from create events as they appear.
func (w *Watcher) Start(roots []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			slog.Warn("failed to watch root", "root", root, "error", err)
			continue
		}
		w.watched[root] = true
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.flushLoop()

	w.started = true
	slog.Info("filesystem watcher started", "roots", len(roots))
	return nil
}

// Changes delivers debounced change sets, one entry per touched path.
func (w *Watcher) Changes() <-chan []scanner.Change {
	return w.changeChan
}

// FullScanRequested fires when the watcher can no longer vouch for
// completeness (queue overflow, notification error) and the caller must
// run a full scan.
func (w *Watcher) FullScanRequested() <-chan struct{} {
	return w.fullScanChan
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		w.cancel()
		return w.fs.Close()
	}
	w.mu.Unlock()

	w.cancel()
	err := w.fs.Close()
	w.wg.Wait()
	w.debouncer.Close()
	close(w.changeChan)
	return err
}

func (w *Watcher) addRecursive(root string) error {
	if err := w.fs.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable subtree; scan passes still cover it
		}
		if info.IsDir() {
			if err := w.fs.Add(path); err != nil {
				slog.Warn("failed to watch subdirectory", "path", path, "error", err)
			}
		}
		return nil
	})
}

// eventLoop feeds raw fsnotify events into the debouncer.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			ev := convertEvent(event)
			if ev == nil {
				continue
			}

			// New directories join the watch set so nested changes keep
			// arriving.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						slog.Warn("failed to watch created directory", "path", event.Name, "error", err)
						w.requestFullScan("unwatchable new directory")
					}
				}
			}
			w.debouncer.Add(*ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error, scheduling full scan", "error", err)
			w.requestFullScan("notification error")
		}
	}
}

// flushLoop forwards debounced batches as change sets. A full change
// channel means the consumer fell behind; completeness is gone, so a
// full scan is requested instead of blocking or dropping.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case events, ok := <-w.debouncer.Events():
			if !ok {
				return
			}
			changes := make([]scanner.Change, 0, len(events))
			for _, ev := range events {
				changes = append(changes, scanner.Change{
					Path:    asset.CanonicalPath(ev.Path),
					Removed: ev.Removed,
				})
			}

			select {
			case w.changeChan <- changes:
			case <-w.ctx.Done():
				return
			default:
				w.requestFullScan("change queue overflow")
			}
		}
	}
}

func (w *Watcher) requestFullScan(reason string) {
	select {
	case w.fullScanChan <- struct{}{}:
		slog.Info("full scan requested", "reason", reason)
	default:
		// One pending request already covers it.
	}
}

// convertEvent maps fsnotify flags onto the add-or-remove model the
// scanner consumes. Chmod-only events carry no content change.
func convertEvent(event fsnotify.Event) *Event {
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		return &Event{Path: event.Name, Removed: true, Timestamp: time.Now()}
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		return &Event{Path: event.Name, Timestamp: time.Now()}
	default:
		return nil
	}
}
