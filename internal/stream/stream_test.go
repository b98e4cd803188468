package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/lriva/voxbridge/internal/protocol"
)

// fakeStream feeds inbound frames to the dispatcher under test control.
type fakeStream struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-f.errs:
		return nil, err
	case frame, ok := <-f.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) finish() { close(f.frames) }

// fakeTransport records every frame the engine emits, in order.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []protocol.Frame
	stream    *fakeStream
	invokeErr error
	invoked   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{stream: newFakeStream()}
}

func (t *fakeTransport) Invoke(ctx context.Context, source FrameSource) (FrameStream, error) {
	t.mu.Lock()
	t.invoked++
	err := t.invokeErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			f, err := source.Next(ctx)
			if err != nil {
				return
			}
			t.mu.Lock()
			t.sent = append(t.sent, f)
			t.mu.Unlock()
		}
	}()
	return t.stream, nil
}

func (t *fakeTransport) sentFrames() []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) sentKinds() []string {
	frames := t.sentFrames()
	kinds := make([]string, 0, len(frames))
	for _, f := range frames {
		evt, err := protocol.DecodeFrame(f)
		if err != nil {
			kinds = append(kinds, "undecodable")
			continue
		}
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func testOptions() Options {
	return Options{
		FlushDelay:   time.Millisecond,
		CloseTimeout: 500 * time.Millisecond,
		ToolTimeout:  time.Second,
	}
}
