package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lriva/voxbridge/internal/observability"
	"github.com/lriva/voxbridge/internal/protocol"
)

const (
	defaultCloseTimeout = 5 * time.Second
	defaultFlushDelay   = 300 * time.Millisecond
	defaultToolTimeout  = 10 * time.Second
)

// Options tunes the session engine. Zero values take the defaults below.
type Options struct {
	DefaultInference   protocol.InferenceConfig
	AudioQueueCapacity int
	AudioDrainBatch    int
	// CloseTimeout is the hard deadline on the graceful close sequence.
	// The sequence does not trust the transport to flush promptly, so once
	// the deadline passes the remaining steps are skipped and the session
	// is force-deregistered.
	CloseTimeout time.Duration
	// FlushDelay is the pause after each close-sequence send, giving the
	// transport a chance to flush the frame before the next step.
	FlushDelay  time.Duration
	ToolTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultInference == (protocol.InferenceConfig{}) {
		o.DefaultInference = protocol.DefaultInference()
	}
	if o.AudioQueueCapacity <= 0 {
		o.AudioQueueCapacity = defaultAudioQueueCapacity
	}
	if o.AudioDrainBatch <= 0 {
		o.AudioDrainBatch = defaultAudioDrainBatch
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = defaultFlushDelay
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = defaultToolTimeout
	}
	return o
}

// Client owns all live sessions and the transport to the model service.
type Client struct {
	transport Transport
	tools     ToolExecutor
	opts      Options
	log       *zap.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closing  map[string]struct{}
}

func NewClient(transport Transport, tools ToolExecutor, opts Options, log *zap.Logger, metrics *observability.Metrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		transport: transport,
		tools:     tools,
		opts:      opts.withDefaults(),
		log:       log,
		metrics:   metrics,
		sessions:  make(map[string]*Session),
		closing:   make(map[string]struct{}),
	}
}

// CreateSession registers a fresh session. An empty id gets a generated
// one; a duplicate id is an error while the old session is registered.
func (c *Client) CreateSession(id string) (*StreamSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	c.sessions[id] = newSession(id, c.opts.DefaultInference, c.opts.AudioQueueCapacity)

	if c.metrics != nil {
		c.metrics.ActiveSessions.Inc()
		c.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	c.log.Info("session created", zap.String("session_id", id))
	return &StreamSession{id: id, client: c}, nil
}

// Session returns the facade for an already-registered session.
func (c *Client) Session(id string) (*StreamSession, error) {
	if _, err := c.session(id); err != nil {
		return nil, err
	}
	return &StreamSession{id: id, client: c}, nil
}

func (c *Client) session(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// IsSessionActive reports whether id is registered and still active.
func (c *Client) IsSessionActive(id string) bool {
	s, err := c.session(id)
	if err != nil {
		return false
	}
	return s.isActive()
}

// ActiveSessionIDs lists the ids of all registered active sessions.
func (c *Client) ActiveSessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id, s := range c.sessions {
		if s.isActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// LastActivity returns the time of the session's last enqueue or inbound
// frame.
func (c *Client) LastActivity(id string) (time.Time, error) {
	s, err := c.session(id)
	if err != nil {
		return time.Time{}, err
	}
	return s.lastActivityTime(), nil
}

// InitiateSession rebuilds the outbound queue with the session-start frame
// in first position, starts the transport invocation with the frame
// iterator as its source, and drives the inbound dispatcher over the
// response. The caller must have completed all three handshake setup calls
// first (see InitiationGate).
func (c *Client) InitiateSession(ctx context.Context, id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if !s.isActive() {
		return fmt.Errorf("%w: %s", ErrSessionInactive, id)
	}

	s.queue.rebuildWithFirst(protocol.SessionStart(s.inference))
	c.countFrame(protocol.KindSessionStart)
	s.touch()

	it := newFrameIterator(s)
	frames, err := c.transport.Invoke(ctx, it)
	if err != nil {
		c.log.Warn("transport invocation failed",
			zap.String("session_id", id), zap.Error(err))
		c.dispatchError(s, "transport", "invoke_failed", err.Error(), false)
		if s.isActive() {
			_ = c.CloseSession(id)
		}
		return err
	}

	s.markInitiated()
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues("initiated").Inc()
	}
	c.log.Info("session initiated", zap.String("session_id", id))
	go c.dispatchLoop(ctx, s, frames)
	return nil
}

func (c *Client) registerHandler(id, kind string, h Handler) {
	s, err := c.session(id)
	if err != nil {
		c.log.Warn("handler registered for unknown session",
			zap.String("session_id", id), zap.String("kind", kind))
		return
	}
	s.setHandler(kind, h)
}

func (c *Client) setupPromptStart(id string, tools []protocol.ToolSpec, voiceID string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if err := c.pushFrame(s, protocol.KindPromptStart, protocol.PromptStart(s.promptName, tools, voiceID)); err != nil {
		return err
	}
	s.markPromptStart()
	return nil
}

func (c *Client) setupSystemPrompt(id string, cfg protocol.TextConfig, content string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if cfg == (protocol.TextConfig{}) {
		cfg = protocol.DefaultTextConfig()
	}
	contentName := uuid.NewString()
	if err := c.pushFrame(s, protocol.KindContentStart, protocol.ContentStartText(s.promptName, contentName, "SYSTEM", cfg)); err != nil {
		return err
	}
	if err := c.pushFrame(s, protocol.KindTextInput, protocol.TextInput(s.promptName, contentName, content)); err != nil {
		return err
	}
	return c.pushFrame(s, protocol.KindContentEnd, protocol.ContentEnd(s.promptName, contentName))
}

func (c *Client) setupStartAudio(id string, cfg protocol.AudioInputConfig) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if cfg == (protocol.AudioInputConfig{}) {
		cfg = protocol.DefaultAudioInputConfig()
	}
	if err := c.pushFrame(s, protocol.KindContentStart, protocol.ContentStartAudio(s.promptName, s.audioContentID, cfg)); err != nil {
		return err
	}
	s.markAudioContentStart()
	return nil
}

func (c *Client) streamAudio(id string, chunk []byte) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if !s.isActive() {
		return fmt.Errorf("%w: %s", ErrSessionInactive, id)
	}

	evicted := s.audio.push(chunk)
	if c.metrics != nil {
		c.metrics.AudioChunksQueued.Inc()
		if evicted > 0 {
			c.metrics.AudioChunksDropped.Add(float64(evicted))
			c.metrics.MarkIndicator("audio_chunks_dropped")
		}
	}
	s.touch()
	c.startAudioDrain(s)
	return nil
}

// startAudioDrain starts the batch-drain cycle for the session's audio
// queue unless one is already running.
func (c *Client) startAudioDrain(s *Session) {
	s.drainMu.Lock()
	if s.draining {
		s.drainMu.Unlock()
		return
	}
	s.draining = true
	s.drainMu.Unlock()
	go c.drainAudio(s)
}

func (c *Client) drainAudio(s *Session) {
	for {
		batch := s.audio.drain(c.opts.AudioDrainBatch)
		if len(batch) == 0 {
			s.drainMu.Lock()
			// Re-check under the drain lock so a chunk pushed after the
			// empty drain is not stranded without a running cycle.
			if s.audio.len() == 0 {
				s.draining = false
				s.drainMu.Unlock()
				return
			}
			s.drainMu.Unlock()
			continue
		}
		for _, chunk := range batch {
			if !s.isActive() {
				s.drainMu.Lock()
				s.draining = false
				s.drainMu.Unlock()
				return
			}
			b64 := base64.StdEncoding.EncodeToString(chunk)
			if err := c.pushFrame(s, protocol.KindAudioInput, protocol.AudioInput(s.promptName, s.audioContentID, b64)); err != nil {
				s.drainMu.Lock()
				s.draining = false
				s.drainMu.Unlock()
				return
			}
		}
	}
}

func (c *Client) endAudioContent(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return c.sendAudioEnd(s)
}

func (c *Client) sendAudioEnd(s *Session) error {
	if !s.isActive() {
		return nil
	}
	s.mu.Lock()
	started := s.audioContentStartSent
	s.audioContentStartSent = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	return c.pushFrame(s, protocol.KindContentEnd, protocol.ContentEnd(s.promptName, s.audioContentID))
}

func (c *Client) endPrompt(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return c.sendPromptEnd(s)
}

func (c *Client) sendPromptEnd(s *Session) error {
	if !s.isActive() {
		return nil
	}
	s.mu.Lock()
	started := s.promptStartSent
	s.promptStartSent = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	return c.pushFrame(s, protocol.KindPromptEnd, protocol.PromptEnd(s.promptName))
}

// CloseSession drains the handshake in reverse (content-end, prompt-end,
// session-end), then deregisters. Concurrent callers collapse into one
// execution; the whole sequence runs under the configured CloseTimeout and
// the session is deregistered even when steps fail.
func (c *Client) CloseSession(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if _, inProgress := c.closing[id]; inProgress {
		c.mu.Unlock()
		return nil
	}
	c.closing[id] = struct{}{}
	c.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseTimeout)
	defer cancel()
	defer func() {
		c.finishClose(s)
		if c.metrics != nil {
			c.metrics.ObserveCloseDuration(time.Since(start))
			c.metrics.SessionEvents.WithLabelValues("closed").Inc()
		}
		c.log.Info("session closed",
			zap.String("session_id", id),
			zap.Duration("took", time.Since(start)))
	}()

	steps := []struct {
		name string
		send func(*Session) error
	}{
		{"content_end", c.sendAudioEnd},
		{"prompt_end", c.sendPromptEnd},
		{"session_end", c.sendSessionEnd},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			c.log.Warn("close sequence deadline reached",
				zap.String("session_id", id), zap.String("pending_step", step.name))
			break
		}
		if err := step.send(s); err != nil {
			// Best effort: log and keep draining the remaining steps.
			c.log.Warn("close step failed",
				zap.String("session_id", id),
				zap.String("step", step.name), zap.Error(err))
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.opts.FlushDelay):
		}
	}
	return nil
}

func (c *Client) sendSessionEnd(s *Session) error {
	if !s.isActive() {
		return nil
	}
	return c.pushFrame(s, protocol.KindSessionEnd, protocol.SessionEnd())
}

// ForceCloseSession tears a session down immediately: no protocol drain,
// no flush waits. Safe to call concurrently with CloseSession; the
// deregistration happens exactly once.
func (c *Client) ForceCloseSession(id string) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.Info("session force-closed", zap.String("session_id", id))
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues("force_closed").Inc()
	}
	c.finishClose(s)
}

// finishClose is the single teardown path: deactivate, close the outbound
// queue, deregister. Idempotent so racing graceful and forced closers both
// land safely.
func (c *Client) finishClose(s *Session) {
	s.deactivate()
	s.queue.close()

	c.mu.Lock()
	_, registered := c.sessions[s.id]
	if registered {
		delete(c.sessions, s.id)
	}
	delete(c.closing, s.id)
	c.mu.Unlock()

	if registered && c.metrics != nil {
		c.metrics.ActiveSessions.Dec()
	}
}

func (c *Client) pushFrame(s *Session, kind string, f protocol.Frame) error {
	if err := s.queue.push(f); err != nil {
		return err
	}
	s.touch()
	c.countFrame(kind)
	return nil
}

func (c *Client) countFrame(kind string) {
	if c.metrics != nil {
		c.metrics.OutboundFrames.WithLabelValues(kind).Inc()
	}
}

func (c *Client) countInbound(kind string) {
	if c.metrics != nil {
		c.metrics.InboundEvents.WithLabelValues(kind).Inc()
	}
}
