package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lriva/voxbridge/internal/audio"
	"github.com/lriva/voxbridge/internal/protocol"
	"github.com/lriva/voxbridge/internal/stream"
	"github.com/lriva/voxbridge/internal/transcript"
)

// Client websocket message types.
const (
	msgAudioChunk     = "audio_chunk"
	msgControl        = "control"
	msgTextOutput     = "text_output"
	msgAudioOutput    = "audio_output"
	msgToolUse        = "tool_use"
	msgToolResult     = "tool_result"
	msgUsage          = "usage"
	msgError          = "error"
	msgStreamComplete = "stream_complete"
)

// Control actions accepted from clients.
const (
	actionEndAudio  = "end_audio"
	actionEndPrompt = "end_prompt"
	actionClose     = "close"
)

// Microphone chunks are re-sliced before entering the engine so a single
// oversized client message cannot monopolize the audio queue.
const micFrameBytes = 3200

type clientMessage struct {
	Type   string `json:"type"`
	Audio  string `json:"audio,omitempty"`
	Action string `json:"action,omitempty"`
}

type serverMessage struct {
	Type       string          `json:"type"`
	Role       string          `json:"role,omitempty"`
	Content    string          `json:"content,omitempty"`
	Audio      string          `json:"audio,omitempty"`
	SampleRate int             `json:"sample_rate,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Code       string          `json:"code,omitempty"`
	Source     string          `json:"source,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Usage      *usageBody      `json:"usage,omitempty"`
}

type usageBody struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// pendingSession holds per-session settings captured at REST creation time
// until the websocket attaches and the handshake is enqueued.
type pendingSession struct {
	SystemPrompt string
	VoiceID      string
}

func (s *Server) rememberPending(id, systemPrompt, voiceID string) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]pendingSession)
	}
	s.pending[id] = pendingSession{SystemPrompt: systemPrompt, VoiceID: voiceID}
}

func (s *Server) takePending(id string) pendingSession {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	if !ok {
		p = pendingSession{SystemPrompt: defaultSystemPrompt, VoiceID: s.cfg.VoiceID}
	}
	return p
}

func (s *Server) forgetPending(id string) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	delete(s.pending, id)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	wavOutput := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("audio_format")), "wav")

	sess, err := s.engine.Session(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	pend := s.takePending(sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan serverMessage, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", msg.Type).Inc()
				}
			}
		}
	}()

	send := func(msg serverMessage) {
		select {
		case outbound <- msg:
		default:
			// Single-threaded websocket writes; drop when saturated.
			s.log.Warn("outbound websocket queue full",
				zap.String("session_id", sessionID), zap.String("type", msg.Type))
		}
	}

	s.wireEvents(sess, send, wavOutput)

	// The model-side invocation outlives this request context: the session
	// is torn down through CloseSession, not by the ws disconnect itself.
	if err := s.startHandshake(sess, pend); err != nil {
		s.log.Warn("session handshake failed",
			zap.String("session_id", sessionID), zap.Error(err))
		send(serverMessage{
			Type:   msgError,
			Code:   "initiation_failed",
			Source: "engine",
			Detail: err.Error(),
		})
		cancel()
		<-writerDone
		return
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			send(serverMessage{
				Type:   msgError,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", msg.Type).Inc()
		}

		switch msg.Type {
		case msgAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				send(serverMessage{
					Type:   msgError,
					Code:   "invalid_audio",
					Source: "gateway",
					Detail: "audio must be base64-encoded PCM16LE",
				})
				continue
			}
			for _, frame := range audio.SplitFrames(pcm, micFrameBytes) {
				if err := sess.StreamAudio(frame); err != nil {
					break readLoop
				}
			}
		case msgControl:
			switch msg.Action {
			case actionEndAudio:
				_ = sess.EndAudioContent()
			case actionEndPrompt:
				_ = sess.EndPrompt()
			case actionClose:
				break readLoop
			default:
				send(serverMessage{
					Type:   msgError,
					Code:   "unknown_action",
					Source: "gateway",
					Detail: msg.Action,
				})
			}
		default:
			send(serverMessage{
				Type:   msgError,
				Code:   "unknown_message_type",
				Source: "gateway",
				Detail: msg.Type,
			})
		}
	}

	if err := s.engine.CloseSession(sessionID); err != nil {
		s.log.Debug("close on disconnect",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	cancel()
	<-writerDone
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

// startHandshake enqueues the three setup phases and fires initiation
// through the gate once all of them are in place.
func (s *Server) startHandshake(sess *stream.StreamSession, pend pendingSession) error {
	gate := stream.NewInitiationGate(func() error {
		return s.engine.InitiateSession(context.Background(), sess.ID())
	})

	if err := sess.SetupPromptStart(s.registry.WireSpecs(), pend.VoiceID); err != nil {
		return err
	}
	if err := gate.MarkPromptStart(); err != nil {
		return err
	}
	if err := sess.SetupSystemPrompt(protocol.TextConfig{}, pend.SystemPrompt); err != nil {
		return err
	}
	if err := gate.MarkSystemPrompt(); err != nil {
		return err
	}
	if err := sess.SetupStartAudio(protocol.AudioInputConfig{}); err != nil {
		return err
	}
	return gate.MarkAudioStart()
}

// wireEvents translates engine events into client websocket messages and
// records the conversational turns.
func (s *Server) wireEvents(sess *stream.StreamSession, send func(serverMessage), wavOutput bool) {
	sessionID := sess.ID()
	var saveMu sync.Mutex

	saveTurn := func(role, content, stopReason string) {
		saveMu.Lock()
		defer saveMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		content, redacted := transcript.RedactPII(content)
		err := s.store.SaveTurn(ctx, transcript.Turn{
			SessionID:  sessionID,
			Role:       role,
			Content:    content,
			StopReason: stopReason,
			Redacted:   redacted,
		})
		if err != nil {
			s.log.Warn("transcript save failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	sess.OnEvent(protocol.KindTextOutput, func(e stream.Event) {
		var out protocol.TextOutputEvent
		if err := json.Unmarshal(e.Data, &out); err != nil {
			return
		}
		send(serverMessage{Type: msgTextOutput, Role: out.Role, Content: out.Content})
		if strings.TrimSpace(out.Content) != "" {
			saveTurn(out.Role, out.Content, "")
		}
	})

	sess.OnEvent(protocol.KindAudioOutput, func(e stream.Event) {
		var out protocol.AudioOutputEvent
		if err := json.Unmarshal(e.Data, &out); err != nil {
			return
		}
		payload := out.Content
		if wavOutput {
			pcm, err := base64.StdEncoding.DecodeString(out.Content)
			if err != nil {
				return
			}
			payload = base64.StdEncoding.EncodeToString(audio.EncodeWAV(pcm, audio.OutputSampleRate))
		}
		send(serverMessage{Type: msgAudioOutput, Audio: payload, SampleRate: audio.OutputSampleRate})
	})

	sess.OnEvent(protocol.KindToolUse, func(e stream.Event) {
		var use protocol.ToolUseEvent
		if err := json.Unmarshal(e.Data, &use); err != nil {
			return
		}
		send(serverMessage{Type: msgToolUse, ToolName: use.ToolName, ToolUseID: use.ToolUseID})
	})

	sess.OnEvent(protocol.KindToolResult, func(e stream.Event) {
		var result stream.ToolResultData
		if err := json.Unmarshal(e.Data, &result); err != nil {
			return
		}
		send(serverMessage{
			Type:      msgToolResult,
			ToolName:  result.ToolName,
			ToolUseID: result.ToolUseID,
			Result:    result.Result,
		})
		saveTurn(transcript.RoleTool, string(result.Result), result.ToolName)
	})

	sess.OnEvent(protocol.KindUsageEvent, func(e stream.Event) {
		var usage protocol.UsageEvent
		if err := json.Unmarshal(e.Data, &usage); err != nil {
			return
		}
		send(serverMessage{Type: msgUsage, Usage: &usageBody{
			InputTokens:  usage.TotalInputTokens,
			OutputTokens: usage.TotalOutputTokens,
		}})
	})

	sess.OnEvent(protocol.KindError, func(e stream.Event) {
		var data stream.ErrorData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return
		}
		send(serverMessage{
			Type:      msgError,
			Code:      data.Code,
			Source:    data.Source,
			Retryable: data.Retryable,
			Detail:    data.Message,
		})
	})

	sess.OnEvent(protocol.KindStreamComplete, func(stream.Event) {
		send(serverMessage{Type: msgStreamComplete})
	})
}
