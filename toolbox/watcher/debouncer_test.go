package watcher

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer(t *testing.T) {
	t.Run("burst coalesces into one batch", func(t *testing.T) {
		d := NewDebouncer(50*time.Millisecond, 500*time.Millisecond, 16)
		defer d.Close()

		for i := 0; i < 10; i++ {
			d.Add(Event{Path: "/lib/skin.zbp", Timestamp: time.Now()})
		}

		select {
		case batch := <-d.Events():
			require.Len(t, batch, 1)
			assert.Equal(t, "/lib/skin.zbp", batch[0].Path)
		case <-time.After(time.Second):
			t.Fatal("no batch flushed")
		}

		select {
		case batch := <-d.Events():
			t.Fatalf("unexpected second batch: %v", batch)
		case <-time.After(150 * time.Millisecond):
		}
	})

	t.Run("distinct paths flush separately", func(t *testing.T) {
		d := NewDebouncer(30*time.Millisecond, 300*time.Millisecond, 16)
		defer d.Close()

		d.Add(Event{Path: "/lib/a.zbp"})
		d.Add(Event{Path: "/lib/b.zbp"})

		seen := make(map[string]bool)
		for i := 0; i < 2; i++ {
			select {
			case batch := <-d.Events():
				for _, ev := range batch {
					seen[ev.Path] = true
				}
			case <-time.After(time.Second):
				t.Fatal("missing batch")
			}
		}
		assert.True(t, seen["/lib/a.zbp"])
		assert.True(t, seen["/lib/b.zbp"])
	})

	t.Run("last event wins for a path", func(t *testing.T) {
		d := NewDebouncer(50*time.Millisecond, 500*time.Millisecond, 16)
		defer d.Close()

		d.Add(Event{Path: "/lib/x.zbp", Removed: false})
		d.Add(Event{Path: "/lib/x.zbp", Removed: true})

		select {
		case batch := <-d.Events():
			require.Len(t, batch, 1)
			assert.True(t, batch[0].Removed)
		case <-time.After(time.Second):
			t.Fatal("no batch flushed")
		}
	})

	t.Run("max delay flushes a busy path", func(t *testing.T) {
		d := NewDebouncer(80*time.Millisecond, 200*time.Millisecond, 16)
		defer d.Close()

		// Keep re-arming the quiet window faster than it can elapse; only
		// the max-delay timer can flush.
		done := make(chan struct{})
		go func() {
			defer close(done)
			deadline := time.Now().Add(600 * time.Millisecond)
			for time.Now().Before(deadline) {
				d.Add(Event{Path: "/lib/busy.zbp"})
				time.Sleep(20 * time.Millisecond)
			}
		}()

		select {
		case batch := <-d.Events():
			require.Len(t, batch, 1)
			assert.Equal(t, "/lib/busy.zbp", batch[0].Path)
		case <-time.After(450 * time.Millisecond):
			t.Fatal("max delay did not flush")
		}
		<-done
	})

	t.Run("close is idempotent and discards pending", func(t *testing.T) {
		d := NewDebouncer(time.Hour, 2*time.Hour, 16)
		d.Add(Event{Path: "/lib/pending.zbp"})
		d.Close()
		d.Close()

		_, open := <-d.Events()
		assert.False(t, open)
	})

	t.Run("close races flushes without panic", func(t *testing.T) {
		// Zero delays make every Add flush immediately, and a full
		// channel parks the flush goroutine in its send, the worst
		// possible moment for Close to arrive.
		for i := 0; i < 200; i++ {
			d := NewDebouncer(0, 0, 1)
			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; ; j++ {
					select {
					case <-stop:
						return
					default:
					}
					d.Add(Event{Path: "/lib/contended.zbp"})
					if j%3 == 0 {
						runtime.Gosched()
					}
				}
			}()

			runtime.Gosched()
			d.Close()
			close(stop)
			wg.Wait()

			// Drain to the close marker; a send after Close would have
			// panicked above instead.
			for range d.Events() {
			}
		}
	})
}

func TestWatcherLifecycle(t *testing.T) {
	t.Run("close before start", func(t *testing.T) {
		w, err := New(Config{})
		require.NoError(t, err)
		require.NoError(t, w.Close())
	})

	t.Run("start twice is a no-op", func(t *testing.T) {
		w, err := New(Config{DebounceDelay: 10 * time.Millisecond})
		require.NoError(t, err)
		root := t.TempDir()
		require.NoError(t, w.Start([]string{root}))
		require.NoError(t, w.Start([]string{root}))
		require.NoError(t, w.Close())
	})
}
