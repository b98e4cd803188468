package stream

import (
	"testing"

	"github.com/lriva/voxbridge/internal/protocol"
)

func frame(s string) protocol.Frame { return protocol.Frame(s) }

func TestEventQueueFIFO(t *testing.T) {
	q := newEventQueue()
	for _, s := range []string{"a", "b", "c"} {
		if err := q.push(frame(s)); err != nil {
			t.Fatalf("push(%q) error = %v", s, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.tryPop()
		if !ok || string(got) != want {
			t.Fatalf("tryPop() = %q, %v, want %q", got, ok, want)
		}
	}
	if _, ok := q.tryPop(); ok {
		t.Fatalf("tryPop() on empty queue should report false")
	}
}

func TestEventQueueRebuildWithFirst(t *testing.T) {
	q := newEventQueue()
	_ = q.push(frame("b"))
	_ = q.push(frame("c"))
	q.rebuildWithFirst(frame("a"))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.tryPop()
		if !ok || string(got) != want {
			t.Fatalf("tryPop() = %q, %v, want %q", got, ok, want)
		}
	}
}

func TestEventQueuePushSignals(t *testing.T) {
	q := newEventQueue()
	_ = q.push(frame("a"))
	select {
	case <-q.signal:
	default:
		t.Fatalf("push should leave a wakeup token on the signal channel")
	}
}

func TestEventQueueCloseIdempotent(t *testing.T) {
	q := newEventQueue()
	_ = q.push(frame("a"))
	q.close()
	q.close()

	select {
	case <-q.closing:
	default:
		t.Fatalf("closing channel should be closed")
	}
	if err := q.push(frame("b")); err == nil {
		t.Fatalf("push after close should fail")
	}
	// Frames buffered before close stay poppable.
	if got, ok := q.tryPop(); !ok || string(got) != "a" {
		t.Fatalf("tryPop() after close = %q, %v", got, ok)
	}
}
