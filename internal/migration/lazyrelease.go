package migration

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvslot/migrate/internal/kv"
)

// LazyReleaseWorker is the dedicated background executor of spec §4.6: an
// unbounded FIFO of drained value handles, dequeued and released off the
// request-handling path so freeing a multi-million-element composite never
// shows up as request latency.
type LazyReleaseWorker struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*kv.Handle

	stopped bool
	log     *logrus.Entry
}

// NewLazyReleaseWorker returns an idle worker; call Run in its own
// goroutine to start draining.
func NewLazyReleaseWorker(log *logrus.Entry) *LazyReleaseWorker {
	w := &LazyReleaseWorker{log: log}
	w.cond = sync.NewCond(&w.mu)

	return w
}

// Enqueue adds h to the FIFO and wakes the worker. h must already be at
// refcount zero (the caller observed Handle.Release return true).
func (w *LazyReleaseWorker) Enqueue(h *kv.Handle) {
	w.mu.Lock()
	w.queue = append(w.queue, h)
	w.cond.Signal()
	w.mu.Unlock()
}

// Run drains the queue until Stop is called and it has emptied. It shares
// no mutable state with the event loop besides this mutex/condition
// variable pair (spec §5).
func (w *LazyReleaseWorker) Run() {
	for {
		w.mu.Lock()

		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}

		if w.stopped && len(w.queue) == 0 {
			w.mu.Unlock()

			return
		}

		h := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.release(h)
	}
}

// release drops the Go-level reference to h's value. The refcount is
// already zero by the time a handle reaches here; what this amortizes is
// the cost of the garbage collector walking a very large composite, not
// some separate manual free.
func (w *LazyReleaseWorker) release(h *kv.Handle) {
	h.Value = nil

	if w.log != nil {
		w.log.Debug("lazy-released migrated value")
	}
}

// QueueDepth returns the current backlog length, the lazy_release_queue_depth
// gauge's source value.
func (w *LazyReleaseWorker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.queue)
}

// Stop signals Run to exit once the queue drains.
func (w *LazyReleaseWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
}
