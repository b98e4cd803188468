package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lriva/voxbridge/internal/protocol"
)

func inboundFrame(t *testing.T, kind string, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", kind, err)
	}
	return []byte(fmt.Sprintf(`{"event":{%q:%s}}`, kind, body))
}

// eventRecorder captures dispatched events thread-safely.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handler() Handler {
	return func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *eventRecorder) count(kind string) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func startDispatchedSession(t *testing.T, c *Client, transport *fakeTransport, rec *eventRecorder) *StreamSession {
	t.Helper()
	sess := setupSession(t, c, "s1")
	sess.OnEvent(protocol.KindAny, rec.handler())
	if err := c.InitiateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("InitiateSession() error = %v", err)
	}
	// Wait for the handshake frames so later assertions on sent frames
	// start from a settled baseline.
	if !waitFor(time.Second, func() bool { return len(transport.sentKinds()) >= 6 }) {
		t.Fatalf("handshake never drained: %v", transport.sentKinds())
	}
	return sess
}

func TestDispatchRoutesTextOutput(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	sess := startDispatchedSession(t, c, transport, rec)

	var text protocol.TextOutputEvent
	var mu sync.Mutex
	sess.OnEvent(protocol.KindTextOutput, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.Unmarshal(e.Data, &text)
	})

	transport.stream.frames <- inboundFrame(t, protocol.KindTextOutput, protocol.TextOutputEvent{
		Role:    "ASSISTANT",
		Content: "hello there",
	})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindTextOutput) == 1 }) {
		t.Fatalf("textOutput never dispatched: %v", rec.kinds())
	}
	mu.Lock()
	defer mu.Unlock()
	if text.Content != "hello there" {
		t.Fatalf("handler saw content %q, want %q", text.Content, "hello there")
	}
}

func TestDispatchWildcardSeesEveryEvent(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- inboundFrame(t, protocol.KindCompletionStart, map[string]string{"promptName": "p"})
	transport.stream.frames <- inboundFrame(t, protocol.KindUsageEvent, protocol.UsageEvent{TotalInputTokens: 7})

	if !waitFor(time.Second, func() bool {
		return rec.count(protocol.KindCompletionStart) == 1 && rec.count(protocol.KindUsageEvent) == 1
	}) {
		t.Fatalf("wildcard missed events: %v", rec.kinds())
	}
}

func TestDispatchSurvivesHandlerPanic(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	sess := startDispatchedSession(t, c, transport, rec)

	sess.OnEvent(protocol.KindTextOutput, func(Event) { panic("handler bug") })

	transport.stream.frames <- inboundFrame(t, protocol.KindTextOutput, protocol.TextOutputEvent{Content: "a"})
	transport.stream.frames <- inboundFrame(t, protocol.KindTextOutput, protocol.TextOutputEvent{Content: "b"})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindTextOutput) == 2 }) {
		t.Fatalf("dispatch stopped after handler panic: %v", rec.kinds())
	}
	if !c.IsSessionActive("s1") {
		t.Fatalf("session should survive a panicking handler")
	}
}

func TestDispatchUndecodableFrameIsSkipped(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- []byte(`{"not":"an envelope"}`)
	transport.stream.frames <- inboundFrame(t, protocol.KindTextOutput, protocol.TextOutputEvent{Content: "still here"})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindTextOutput) == 1 }) {
		t.Fatalf("dispatch did not continue past malformed frame: %v", rec.kinds())
	}
}

func TestModelErrorFrameKeepsSessionOpen(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- inboundFrame(t, protocol.KindThrottlingError, protocol.ErrorDetail{Message: "slow down"})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindError) == 1 }) {
		t.Fatalf("error event never dispatched: %v", rec.kinds())
	}
	evt, _ := rec.last(protocol.KindError)
	var data ErrorData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if data.Source != "model" || data.Code != protocol.KindThrottlingError {
		t.Fatalf("error data = %+v", data)
	}
	if !data.Retryable {
		t.Fatalf("throttling should be marked retryable")
	}
	if !c.IsSessionActive("s1") {
		t.Fatalf("in-band model error must not close the session")
	}
}

func TestValidationErrorNotRetryable(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- inboundFrame(t, protocol.KindValidationError, protocol.ErrorDetail{Message: "bad frame"})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindError) == 1 }) {
		t.Fatalf("error event never dispatched")
	}
	evt, _ := rec.last(protocol.KindError)
	var data ErrorData
	_ = json.Unmarshal(evt.Data, &data)
	if data.Retryable {
		t.Fatalf("validation errors must not be retryable")
	}
}

func TestStreamFailureClosesSession(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.errs <- errors.New("connection reset")

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindError) == 1 }) {
		t.Fatalf("stream failure never reported: %v", rec.kinds())
	}
	evt, _ := rec.last(protocol.KindError)
	var data ErrorData
	_ = json.Unmarshal(evt.Data, &data)
	if data.Source != "transport" || data.Code != "stream_failure" {
		t.Fatalf("error data = %+v", data)
	}
	if !waitFor(time.Second, func() bool { return !c.IsSessionActive("s1") }) {
		t.Fatalf("transport failure should tear the session down")
	}
}

func TestStreamEOFDispatchesStreamComplete(t *testing.T) {
	c, transport, _ := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.finish()

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindStreamComplete) == 1 }) {
		t.Fatalf("streamComplete never dispatched: %v", rec.kinds())
	}
	evt, _ := rec.last(protocol.KindStreamComplete)
	var data streamCompleteData
	_ = json.Unmarshal(evt.Data, &data)
	if data.SessionID != "s1" {
		t.Fatalf("streamComplete session id = %q, want s1", data.SessionID)
	}
}

func TestToolRoundTrip(t *testing.T) {
	c, transport, executor := newTestClient(t, testOptions())
	executor.result = json.RawMessage(`{"time":"12:00"}`)
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	baseline := len(transport.sentKinds())

	transport.stream.frames <- inboundFrame(t, protocol.KindToolUse, protocol.ToolUseEvent{
		ToolName:  "getDateTool",
		ToolUseID: "use-42",
		Content:   `{"tz":"UTC"}`,
	})
	transport.stream.frames <- inboundFrame(t, protocol.KindContentEnd, protocol.ContentEndEvent{
		Type:       protocol.ContentTypeTool,
		StopReason: "TOOL_USE",
	})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindToolResult) == 1 }) {
		t.Fatalf("toolResult event never dispatched: %v", rec.kinds())
	}
	if got := executor.callCount(); got != 1 {
		t.Fatalf("executor called %d times, want 1", got)
	}

	// The reply is a three-frame block correlated by the toolUse id.
	if !waitFor(time.Second, func() bool { return len(transport.sentKinds()) >= baseline+3 }) {
		t.Fatalf("tool reply frames not sent: %v", transport.sentKinds())
	}
	kinds := transport.sentKinds()[baseline:]
	if kinds[0] != protocol.KindContentStart || kinds[1] != protocol.KindToolResult || kinds[2] != protocol.KindContentEnd {
		t.Fatalf("tool reply frame kinds = %v", kinds)
	}

	frames := transport.sentFrames()[baseline:]
	start, err := protocol.DecodeFrame(frames[0])
	if err != nil {
		t.Fatalf("decode tool contentStart: %v", err)
	}
	var startPayload struct {
		ToolResultInput struct {
			ToolUseID string `json:"toolUseId"`
		} `json:"toolResultInputConfiguration"`
	}
	if err := json.Unmarshal(start.Payload, &startPayload); err != nil {
		t.Fatalf("unmarshal contentStart payload: %v", err)
	}
	if startPayload.ToolResultInput.ToolUseID != "use-42" {
		t.Fatalf("reply toolUseId = %q, want use-42", startPayload.ToolResultInput.ToolUseID)
	}

	evt, _ := rec.last(protocol.KindToolResult)
	var result ToolResultData
	if err := json.Unmarshal(evt.Data, &result); err != nil {
		t.Fatalf("unmarshal toolResult event: %v", err)
	}
	if result.ToolUseID != "use-42" || result.ToolName != "getDateTool" {
		t.Fatalf("toolResult event = %+v", result)
	}
}

func TestToolFailureBecomesStructuredResult(t *testing.T) {
	c, transport, executor := newTestClient(t, testOptions())
	executor.err = errors.New("upstream unavailable")
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- inboundFrame(t, protocol.KindToolUse, protocol.ToolUseEvent{
		ToolName:  "echoTool",
		ToolUseID: "use-9",
		Content:   `{}`,
	})
	transport.stream.frames <- inboundFrame(t, protocol.KindContentEnd, protocol.ContentEndEvent{
		Type: protocol.ContentTypeTool,
	})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindToolResult) == 1 }) {
		t.Fatalf("toolResult never dispatched: %v", rec.kinds())
	}
	evt, _ := rec.last(protocol.KindToolResult)
	var result ToolResultData
	_ = json.Unmarshal(evt.Data, &result)
	var body map[string]string
	if err := json.Unmarshal(result.Result, &body); err != nil {
		t.Fatalf("failure result should be structured JSON: %v", err)
	}
	if body["error"] != "upstream unavailable" || body["tool"] != "echoTool" {
		t.Fatalf("failure result body = %v", body)
	}
	if !c.IsSessionActive("s1") {
		t.Fatalf("tool failure must not break the session")
	}
}

func TestSecondToolUseKeepsFirstInvocation(t *testing.T) {
	c, transport, executor := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- inboundFrame(t, protocol.KindToolUse, protocol.ToolUseEvent{
		ToolName: "firstTool", ToolUseID: "use-1", Content: `{}`,
	})
	transport.stream.frames <- inboundFrame(t, protocol.KindToolUse, protocol.ToolUseEvent{
		ToolName: "secondTool", ToolUseID: "use-2", Content: `{}`,
	})
	transport.stream.frames <- inboundFrame(t, protocol.KindContentEnd, protocol.ContentEndEvent{
		Type: protocol.ContentTypeTool,
	})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindToolResult) == 1 }) {
		t.Fatalf("toolResult never dispatched: %v", rec.kinds())
	}
	executor.mu.Lock()
	calls := append([]string(nil), executor.calls...)
	executor.mu.Unlock()
	if len(calls) != 1 || calls[0] != "firstTool" {
		t.Fatalf("executor calls = %v, want [firstTool]", calls)
	}
	evt, _ := rec.last(protocol.KindToolResult)
	var result ToolResultData
	_ = json.Unmarshal(evt.Data, &result)
	if result.ToolUseID != "use-1" {
		t.Fatalf("resolved toolUseId = %q, want use-1", result.ToolUseID)
	}
}

func TestToolContentEndWithoutInvocation(t *testing.T) {
	c, transport, executor := newTestClient(t, testOptions())
	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- inboundFrame(t, protocol.KindContentEnd, protocol.ContentEndEvent{
		Type: protocol.ContentTypeTool,
	})
	transport.stream.frames <- inboundFrame(t, protocol.KindTextOutput, protocol.TextOutputEvent{Content: "ok"})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindTextOutput) == 1 }) {
		t.Fatalf("dispatch stalled after orphan tool contentEnd: %v", rec.kinds())
	}
	if got := executor.callCount(); got != 0 {
		t.Fatalf("executor called %d times, want 0", got)
	}
}

func TestNonJSONToolInputIsWrapped(t *testing.T) {
	c, transport, executor := newTestClient(t, testOptions())
	var gotInput json.RawMessage
	var mu sync.Mutex
	executorCapture := &captureExecutor{inner: executor, onCall: func(input json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		gotInput = append(json.RawMessage(nil), input...)
	}}
	c.tools = executorCapture

	rec := &eventRecorder{}
	startDispatchedSession(t, c, transport, rec)

	transport.stream.frames <- inboundFrame(t, protocol.KindToolUse, protocol.ToolUseEvent{
		ToolName: "echoTool", ToolUseID: "use-3", Content: "plain words",
	})
	transport.stream.frames <- inboundFrame(t, protocol.KindContentEnd, protocol.ContentEndEvent{
		Type: protocol.ContentTypeTool,
	})

	if !waitFor(time.Second, func() bool { return rec.count(protocol.KindToolResult) == 1 }) {
		t.Fatalf("toolResult never dispatched")
	}
	mu.Lock()
	defer mu.Unlock()
	var s string
	if err := json.Unmarshal(gotInput, &s); err != nil || s != "plain words" {
		t.Fatalf("tool input = %s, want JSON string %q", gotInput, "plain words")
	}
}

type captureExecutor struct {
	inner  ToolExecutor
	onCall func(json.RawMessage)
}

func (c *captureExecutor) ExecuteTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	c.onCall(input)
	return c.inner.ExecuteTool(ctx, name, input)
}
