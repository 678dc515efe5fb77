package registry

import (
	"sync"
	"sync/atomic"
)

// Handle is the completion token returned by long-running operations.
// Callers poll Progress or wait on Done; Err is valid once Done closes.
type Handle struct {
	done     chan struct{}
	once     sync.Once
	err      error
	progress atomic.Value // string
}

func newHandle() *Handle {
	h := &Handle{done: make(chan struct{})}
	h.progress.Store("queued")
	return h
}

// Done closes when the operation finished, successfully or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the operation's outcome. Only meaningful after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Progress reports the current stage, for UI polling.
func (h *Handle) Progress() string {
	return h.progress.Load().(string)
}

// Wait blocks until completion and returns the outcome.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

func (h *Handle) setProgress(stage string) {
	h.progress.Store(stage)
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		if err != nil {
			h.progress.Store("failed")
		} else {
			h.progress.Store("done")
		}
		close(h.done)
	})
}

// finished builds an already-completed handle for fast-failing calls.
func finished(err error) *Handle {
	h := newHandle()
	h.finish(err)
	return h
}
