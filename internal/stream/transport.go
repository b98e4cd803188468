package stream

import (
	"context"
	"encoding/json"

	"github.com/lriva/voxbridge/internal/protocol"
)

// FrameSource is the pull-based outbound side of a session invocation.
// The transport calls Next until it returns io.EOF, which ends the
// outbound half of the stream.
type FrameSource interface {
	Next(ctx context.Context) (protocol.Frame, error)
	// Stop tells the source the transport has abandoned it. Safe to call
	// at any time, from any goroutine, and more than once.
	Stop()
}

// FrameStream is the inbound side of a session invocation. Recv returns
// io.EOF when the model service finishes the stream cleanly.
type FrameStream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens one long-lived bidirectional call per session.
type Transport interface {
	Invoke(ctx context.Context, source FrameSource) (FrameStream, error)
}

// ToolExecutor runs a tool requested by the model. Implementations must
// return a structured error document rather than failing the protocol when
// the backing tool is unavailable; an error return here is still tolerated
// and converted into a failure result by the dispatcher.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}
