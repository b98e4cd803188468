package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lriva/voxbridge/internal/protocol"
)

// Event is one dispatched session event: the kind string plus the raw
// payload of the frame (or of the synthetic event) that produced it.
type Event struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Handler receives dispatched events. Handlers run on the dispatcher
// goroutine of their session; a panicking handler is recovered and logged
// and never aborts dispatch of subsequent frames.
type Handler func(Event)

// toolInvocation is the at-most-one outstanding tool-use correlation slot.
type toolInvocation struct {
	Name      string
	ToolUseID string
	Content   string
	StartedAt time.Time
}

// Session is the per-session mutable state record. It is owned exclusively
// by the Client registry; callers interact through StreamSession, which
// holds only the session id.
type Session struct {
	id             string
	promptName     string
	audioContentID string
	inference      protocol.InferenceConfig

	queue *eventQueue
	audio *audioQueue

	mu                    sync.Mutex
	active                bool
	promptStartSent       bool
	audioContentStartSent bool
	handlers              map[string]Handler
	lastActivity          time.Time
	tool                  *toolInvocation
	initiatedAt           time.Time
	firstTextSeen         bool
	firstAudioSeen        bool

	drainMu  sync.Mutex
	draining bool
}

func newSession(id string, inference protocol.InferenceConfig, audioCapacity int) *Session {
	return &Session{
		id:             id,
		promptName:     uuid.NewString(),
		audioContentID: uuid.NewString(),
		inference:      inference,
		queue:          newEventQueue(),
		audio:          newAudioQueue(audioCapacity),
		active:         true,
		handlers:       make(map[string]Handler),
		lastActivity:   time.Now().UTC(),
	}
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// deactivate clears the active flag and reports whether it was set.
func (s *Session) deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.active
	s.active = false
	return was
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) lastActivityTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setHandler(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// handlersFor returns the kind-specific handler and the wildcard handler.
func (s *Session) handlersFor(kind string) (Handler, Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[kind], s.handlers[protocol.KindAny]
}

func (s *Session) markInitiated() {
	s.mu.Lock()
	s.initiatedAt = time.Now()
	s.mu.Unlock()
}

// markFirstOutput records the first text or audio event after initiation and
// returns the elapsed time since initiation, once per kind per session.
func (s *Session) markFirstOutput(kind string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initiatedAt.IsZero() {
		return 0, false
	}
	switch kind {
	case protocol.KindTextOutput:
		if s.firstTextSeen {
			return 0, false
		}
		s.firstTextSeen = true
	case protocol.KindAudioOutput:
		if s.firstAudioSeen {
			return 0, false
		}
		s.firstAudioSeen = true
	default:
		return 0, false
	}
	return time.Since(s.initiatedAt), true
}

func (s *Session) markPromptStart() {
	s.mu.Lock()
	s.promptStartSent = true
	s.mu.Unlock()
}

func (s *Session) markAudioContentStart() {
	s.mu.Lock()
	s.audioContentStartSent = true
	s.mu.Unlock()
}

func (s *Session) handshakeFlags() (promptStart, audioStart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptStartSent, s.audioContentStartSent
}

// storeTool fills the correlation slot. It reports false when a prior
// invocation is still outstanding, in which case the slot is left alone.
func (s *Session) storeTool(t *toolInvocation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool != nil {
		return false
	}
	s.tool = t
	return true
}

// takeTool clears and returns the correlation slot.
func (s *Session) takeTool() *toolInvocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tool
	s.tool = nil
	return t
}

// StreamSession is the caller-facing handle for one session. It keeps only
// the session id; all state lives in the registry.
type StreamSession struct {
	id     string
	client *Client
}

func (s *StreamSession) ID() string { return s.id }

// OnEvent registers the handler for kind, replacing any previous handler
// for that kind. Register protocol.KindAny to observe every event.
func (s *StreamSession) OnEvent(kind string, h Handler) *StreamSession {
	s.client.registerHandler(s.id, kind, h)
	return s
}

// SetupPromptStart enqueues the promptStart handshake frame.
func (s *StreamSession) SetupPromptStart(tools []protocol.ToolSpec, voiceID string) error {
	return s.client.setupPromptStart(s.id, tools, voiceID)
}

// SetupSystemPrompt enqueues the system prompt TEXT block (start/input/end).
func (s *StreamSession) SetupSystemPrompt(cfg protocol.TextConfig, content string) error {
	return s.client.setupSystemPrompt(s.id, cfg, content)
}

// SetupStartAudio enqueues the audio contentStart handshake frame.
func (s *StreamSession) SetupStartAudio(cfg protocol.AudioInputConfig) error {
	return s.client.setupStartAudio(s.id, cfg)
}

// StreamAudio submits one raw audio chunk. It never blocks on transport
// state: the chunk lands in the bounded ingestion queue and is drained in
// batches by a background cycle.
func (s *StreamSession) StreamAudio(chunk []byte) error {
	return s.client.streamAudio(s.id, chunk)
}

// EndAudioContent closes the audio channel. No-op if the audio handshake
// never started or the session is inactive.
func (s *StreamSession) EndAudioContent() error {
	return s.client.endAudioContent(s.id)
}

// EndPrompt closes the prompt. No-op if the prompt handshake never started
// or the session is inactive.
func (s *StreamSession) EndPrompt() error {
	return s.client.endPrompt(s.id)
}

// Close runs the full graceful close sequence and deregisters the session.
func (s *StreamSession) Close() error {
	return s.client.CloseSession(s.id)
}
