package stream

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/lriva/voxbridge/internal/protocol"
)

// frameIterator presents a session's outbound queue as the pull-based
// sequence the transport consumes. Each Next either pops the oldest queued
// frame or waits for an item-available or closing signal; io.EOF marks the
// end of the outbound half.
type frameIterator struct {
	session *Session
	stopped atomic.Bool
}

func newFrameIterator(s *Session) *frameIterator {
	return &frameIterator{session: s}
}

func (it *frameIterator) Next(ctx context.Context) (protocol.Frame, error) {
	for {
		if it.stopped.Load() || !it.session.isActive() {
			return nil, io.EOF
		}
		if f, ok := it.session.queue.tryPop(); ok {
			return f, nil
		}
		if it.session.queue.isClosed() {
			// Closing observed with the queue drained.
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			// The transport abandoned the iterator. Contract: go quiet,
			// never surface the cancellation past the session boundary.
			it.Stop()
			return nil, io.EOF
		case <-it.session.queue.closing:
			if f, ok := it.session.queue.tryPop(); ok {
				return f, nil
			}
			return nil, io.EOF
		case <-it.session.queue.signal:
		}
	}
}

// Stop marks the session inactive and ends the sequence without emitting
// further frames.
func (it *frameIterator) Stop() {
	if it.stopped.Swap(true) {
		return
	}
	it.session.deactivate()
}
