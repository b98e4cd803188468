package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lriva/voxbridge/internal/observability"
	"github.com/lriva/voxbridge/internal/protocol"
	"github.com/lriva/voxbridge/internal/reliability"
)

// ErrorData is the payload of synthetic "error" events.
type ErrorData struct {
	Source    string `json:"source"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToolResultData is the payload of synthetic "toolResult" events.
type ToolResultData struct {
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	Result    json.RawMessage `json:"result"`
}

type streamCompleteData struct {
	SessionID string `json:"sessionId"`
}

// dispatchLoop consumes the inbound frame stream for one session: decode,
// classify, route to handlers, and run the tool-invocation sub-protocol.
// It exits on clean stream end, transport failure, or session deactivation.
func (c *Client) dispatchLoop(ctx context.Context, s *Session, frames FrameStream) {
	defer frames.Close()

	for {
		if !s.isActive() {
			return
		}

		raw, err := frames.Recv(ctx)
		if errors.Is(err, io.EOF) {
			data, _ := json.Marshal(streamCompleteData{SessionID: s.id})
			c.dispatch(s, Event{Kind: protocol.KindStreamComplete, Data: data})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// The caller tore the invocation down; nothing to report.
				return
			}
			c.dispatchError(s, "transport", "stream_failure", err.Error(), false)
			if s.isActive() {
				_ = c.CloseSession(s.id)
			}
			return
		}

		s.touch()
		evt, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.log.Warn("undecodable inbound frame",
				zap.String("session_id", s.id), zap.Error(err))
			continue
		}
		c.countInbound(evt.Kind)

		switch {
		case evt.Kind == protocol.KindToolUse:
			c.handleToolUse(s, evt)
		case evt.Kind == protocol.KindContentEnd:
			c.dispatch(s, Event{Kind: protocol.KindContentEnd, Data: evt.Payload})
			var end protocol.ContentEndEvent
			if err := json.Unmarshal(evt.Payload, &end); err == nil && end.Type == protocol.ContentTypeTool {
				c.resolveTool(ctx, s)
			}
		case protocol.IsErrorKind(evt.Kind):
			var detail protocol.ErrorDetail
			_ = json.Unmarshal(evt.Payload, &detail)
			// Some error frames are recoverable at the application layer,
			// so the session stays open; the caller decides.
			c.dispatchError(s, "model", evt.Kind, detail.Message,
				reliability.IsRetryableModelErrorKind(evt.Kind))
		default:
			c.observeFirstOutput(s, evt.Kind)
			c.dispatch(s, Event{Kind: evt.Kind, Data: evt.Payload})
		}
	}
}

func (c *Client) handleToolUse(s *Session, evt protocol.InboundEvent) {
	var use protocol.ToolUseEvent
	if err := json.Unmarshal(evt.Payload, &use); err != nil {
		c.log.Warn("malformed toolUse event",
			zap.String("session_id", s.id), zap.Error(err))
		return
	}
	stored := s.storeTool(&toolInvocation{
		Name:      use.ToolName,
		ToolUseID: use.ToolUseID,
		Content:   use.Content,
		StartedAt: time.Now(),
	})
	if !stored {
		// Single-flight per session. The service must not issue a second
		// toolUse before the prior one is resolved; the first invocation
		// stays authoritative.
		c.metrics.MarkIndicator("tool_use_conflict")
		c.log.Warn("toolUse received while one is outstanding",
			zap.String("session_id", s.id),
			zap.String("tool", use.ToolName),
			zap.String("tool_use_id", use.ToolUseID))
	}
	c.dispatch(s, Event{Kind: protocol.KindToolUse, Data: evt.Payload})
}

// resolveTool runs the external tool hook for the stored invocation and
// enqueues the three-frame tool-result reply addressed to its correlation
// id. Tool failures become structured failure results, never protocol
// breaks.
func (c *Client) resolveTool(ctx context.Context, s *Session) {
	inv := s.takeTool()
	if inv == nil {
		c.log.Warn("tool content end without stored invocation",
			zap.String("session_id", s.id))
		return
	}

	input := json.RawMessage(inv.Content)
	if !json.Valid(input) {
		wrapped, _ := json.Marshal(inv.Content)
		input = wrapped
	}

	toolCtx, cancel := context.WithTimeout(ctx, c.opts.ToolTimeout)
	result, err := c.tools.ExecuteTool(toolCtx, inv.Name, input)
	cancel()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.log.Warn("tool execution failed",
			zap.String("session_id", s.id),
			zap.String("tool", inv.Name), zap.Error(err))
		result, _ = json.Marshal(map[string]string{
			"error": err.Error(),
			"tool":  inv.Name,
		})
	}
	if c.metrics != nil {
		c.metrics.ToolInvocations.WithLabelValues(inv.Name, outcome).Inc()
		c.metrics.ObserveToolLatency(time.Since(inv.StartedAt))
	}

	contentName := uuid.NewString()
	c.pushFrame(s, protocol.KindContentStart,
		protocol.ContentStartTool(s.promptName, contentName, inv.ToolUseID))
	c.pushFrame(s, protocol.KindToolResult,
		protocol.ToolResult(s.promptName, contentName, string(result)))
	c.pushFrame(s, protocol.KindContentEnd,
		protocol.ContentEnd(s.promptName, contentName))

	data, _ := json.Marshal(ToolResultData{
		ToolUseID: inv.ToolUseID,
		ToolName:  inv.Name,
		Result:    result,
	})
	c.dispatch(s, Event{Kind: protocol.KindToolResult, Data: data})
}

// observeFirstOutput feeds the time-to-first-output stages of the rolling
// latency window on the first textOutput and audioOutput of each session.
func (c *Client) observeFirstOutput(s *Session, kind string) {
	if c.metrics == nil {
		return
	}
	elapsed, first := s.markFirstOutput(kind)
	if !first {
		return
	}
	switch kind {
	case protocol.KindTextOutput:
		c.metrics.ObserveStage(observability.StageInitiateToFirstText, elapsed)
	case protocol.KindAudioOutput:
		c.metrics.ObserveStage(observability.StageInitiateToFirstAudio, elapsed)
	}
}

func (c *Client) dispatchError(s *Session, source, code, message string, retryable bool) {
	data, _ := json.Marshal(ErrorData{
		Source:    source,
		Code:      code,
		Message:   message,
		Retryable: retryable,
	})
	c.dispatch(s, Event{Kind: protocol.KindError, Data: data})
}

// dispatch routes one event to its kind handler and the wildcard handler.
// Handler panics are recovered and logged so a misbehaving handler never
// aborts dispatch of subsequent frames.
func (c *Client) dispatch(s *Session, e Event) {
	specific, wildcard := s.handlersFor(e.Kind)
	c.invokeHandler(s, e, specific)
	if e.Kind != protocol.KindAny {
		c.invokeHandler(s, e, wildcard)
	}
}

func (c *Client) invokeHandler(s *Session, e Event, h Handler) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked",
				zap.String("session_id", s.id),
				zap.String("kind", e.Kind),
				zap.Any("panic", r))
		}
	}()
	h(e)
}
