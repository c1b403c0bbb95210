package pusher

import (
	"context"
	"sync"

	"github.com/erauner12/syncbridge/internal/metrics"
	"github.com/erauner12/syncbridge/internal/protocol"
)

// PushEntry is the unit of work queued for dispatch: one client push
// plus the credentials it arrived with.
type PushEntry struct {
	Push     protocol.PushBody
	JWT      string
	ClientID string

	// stop marks the termination sentinel. No entry follows it.
	stop bool
}

// workQueue is a FIFO with a single consumer, the pusher loop.
// Enqueue and Drain never block; Dequeue blocks until an entry
// arrives or ctx ends.
type workQueue struct {
	mu      sync.Mutex
	items   []PushEntry
	stopped bool

	// wake holds at most one pending wakeup for the consumer.
	wake chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{wake: make(chan struct{}, 1)}
}

// Enqueue appends one entry. It fails once the sentinel is queued.
func (q *workQueue) Enqueue(e PushEntry) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	metrics.QueueDepth.Inc()
	q.signal()
	return nil
}

// EnqueueStop appends the termination sentinel and seals the queue.
// Safe to call more than once.
func (q *workQueue) EnqueueStop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.items = append(q.items, PushEntry{stop: true})
	q.mu.Unlock()

	metrics.QueueDepth.Inc()
	q.signal()
}

// Dequeue removes and returns the oldest entry, blocking while the
// queue is empty.
func (q *workQueue) Dequeue(ctx context.Context) (PushEntry, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			metrics.QueueDepth.Dec()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return PushEntry{}, ctx.Err()
		}
	}
}

// Drain removes and returns everything currently buffered, without
// blocking. Returns nil when the queue is empty.
func (q *workQueue) Drain() []PushEntry {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	metrics.QueueDepth.Sub(float64(len(items)))
	return items
}

func (q *workQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
