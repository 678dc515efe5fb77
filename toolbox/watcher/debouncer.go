// Package watcher turns raw filesystem notifications into coalesced
// change sets for incremental scans. Delivery is at-least-once: the
// worst failure mode is an extra rescan, never a silently dropped
// change.
package watcher

import (
	"context"
	"sync"
	"time"
)

// Event is one raw filesystem observation.
type Event struct {
	Path      string
	Removed   bool
	Timestamp time.Time
}

// pathBatch accumulates events for one path until its window closes.
type pathBatch struct {
	path     string
	last     Event
	opened   time.Time
	timer    *time.Timer
	maxTimer *time.Timer
}

// Debouncer coalesces event bursts per path. A batch flushes when the
// path stays quiet for delay, or unconditionally after maxDelay so a
// steadily-written file cannot stall forever.
type Debouncer struct {
	delay    time.Duration
	maxDelay time.Duration

	eventChan chan []Event
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	pending   map[string]*pathBatch
	closed    bool
	inFlight  sync.WaitGroup
}

func NewDebouncer(delay, maxDelay time.Duration, queueCapacity int) *Debouncer {
	if maxDelay < delay {
		maxDelay = 4 * delay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		delay:     delay,
		maxDelay:  maxDelay,
		eventChan: make(chan []Event, queueCapacity),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pathBatch),
	}
}

// Add records an event and (re)arms the path's quiet-window timer.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	batch, exists := d.pending[event.Path]
	if !exists {
		batch = &pathBatch{path: event.Path, opened: time.Now()}
		d.pending[event.Path] = batch
		batch.maxTimer = time.AfterFunc(d.maxDelay, func() {
			d.flush(event.Path)
		})
	}
	batch.last = event

	if batch.timer != nil {
		batch.timer.Stop()
	}
	batch.timer = time.AfterFunc(d.delay, func() {
		d.flush(event.Path)
	})
}

// Events returns the channel of flushed batches. Later events for the
// same path supersede earlier ones, so each batch carries one entry per
// path.
func (d *Debouncer) Events() <-chan []Event {
	return d.eventChan
}

func (d *Debouncer) flush(path string) {
	d.mu.Lock()
	batch, exists := d.pending[path]
	if !exists || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	if batch.timer != nil {
		batch.timer.Stop()
	}
	if batch.maxTimer != nil {
		batch.maxTimer.Stop()
	}
	// Registered under the same lock as the closed check, so Close
	// cannot close eventChan while this send is pending.
	d.inFlight.Add(1)
	d.mu.Unlock()
	defer d.inFlight.Done()

	select {
	case d.eventChan <- []Event{batch.last}:
	case <-d.ctx.Done():
	}
}

// Close stops all timers and closes the event channel. Pending batches
// are discarded; callers schedule a full scan on shutdown-restart, so
// nothing is lost.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancel()
	for _, batch := range d.pending {
		if batch.timer != nil {
			batch.timer.Stop()
		}
		if batch.maxTimer != nil {
			batch.maxTimer.Stop()
		}
	}
	d.pending = make(map[string]*pathBatch)
	d.mu.Unlock()

	// The cancelled context unblocks any flush still waiting to send,
	// so the wait is bounded.
	d.inFlight.Wait()
	close(d.eventChan)
}
