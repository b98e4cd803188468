package stream

import (
	"sync"

	"github.com/lriva/voxbridge/internal/protocol"
)

// eventQueue is the ordered per-session buffer of outbound frames. It is a
// single-producer-set/single-consumer channel with an explicit close signal:
// producers push under the lock and nudge the signal channel, the consumer
// (the frame iterator) try-pops and otherwise waits on signal-or-closing.
type eventQueue struct {
	mu     sync.Mutex
	items  []protocol.Frame
	closed bool

	// signal carries at most one wakeup token; coalesced wakeups are fine
	// because the consumer re-checks the buffer after every receive.
	signal  chan struct{}
	closing chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		signal:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

// push appends a frame in FIFO position and wakes a waiting consumer.
func (q *eventQueue) push(f protocol.Frame) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// tryPop removes and returns the oldest frame, if any.
func (q *eventQueue) tryPop() (protocol.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// rebuildWithFirst places first at the head of the queue while preserving
// the order of everything already buffered.
func (q *eventQueue) rebuildWithFirst(first protocol.Frame) {
	q.mu.Lock()
	if !q.closed {
		rebuilt := make([]protocol.Frame, 0, len(q.items)+1)
		rebuilt = append(rebuilt, first)
		rebuilt = append(rebuilt, q.items...)
		q.items = rebuilt
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// close marks the queue closing. Idempotent. Buffered frames stay poppable;
// the consumer stops reading once it drains or observes the closing signal.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closing)
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
