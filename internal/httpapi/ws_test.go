package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lriva/voxbridge/internal/protocol"
	"github.com/lriva/voxbridge/internal/transcript"
)

func dialSessionWS(t *testing.T, env *testEnv, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/sessions/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial session ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn, wantType string) serverMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read server message: %v", err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
	t.Fatalf("message of type %q never arrived", wantType)
	return serverMessage{}
}

func TestSessionWSRunsHandshake(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/v1/sessions", map[string]string{"session_id": "s1"}).Body.Close()
	dialSessionWS(t, env, "s1")

	if !waitFor(2*time.Second, func() bool { return len(env.transport.sentKinds()) >= 6 }) {
		t.Fatalf("handshake frames = %v", env.transport.sentKinds())
	}
	kinds := env.transport.sentKinds()
	if kinds[0] != protocol.KindSessionStart {
		t.Fatalf("first frame = %q, want sessionStart", kinds[0])
	}
	if kinds[1] != protocol.KindPromptStart {
		t.Fatalf("second frame = %q, want promptStart", kinds[1])
	}
	last := kinds[5]
	if last != protocol.KindContentStart {
		t.Fatalf("handshake tail = %v", kinds)
	}
}

func TestSessionWSRequiresKnownSession(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/sessions/ws?session_id=ghost"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial for unknown session should fail")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %+v, want 404", res)
	}
}

func TestSessionWSStreamsAudioChunks(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/v1/sessions", map[string]string{"session_id": "s1"}).Body.Close()
	conn := dialSessionWS(t, env, "s1")

	if !waitFor(2*time.Second, func() bool { return len(env.transport.sentKinds()) >= 6 }) {
		t.Fatalf("handshake never completed")
	}

	pcm := make([]byte, micFrameBytes*2) // splits into two engine frames
	msg := clientMessage{Type: msgAudioChunk, Audio: base64.StdEncoding.EncodeToString(pcm)}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write audio chunk: %v", err)
	}

	countAudio := func() int {
		n := 0
		for _, kind := range env.transport.sentKinds() {
			if kind == protocol.KindAudioInput {
				n++
			}
		}
		return n
	}
	if !waitFor(2*time.Second, func() bool { return countAudio() == 2 }) {
		t.Fatalf("audioInput frames = %d, want 2", countAudio())
	}
}

func TestSessionWSDeliversModelOutput(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/v1/sessions", map[string]string{"session_id": "s1"}).Body.Close()
	conn := dialSessionWS(t, env, "s1")

	if !waitFor(2*time.Second, func() bool { return len(env.transport.sentKinds()) >= 6 }) {
		t.Fatalf("handshake never completed")
	}

	env.transport.stream.frames <- []byte(fmt.Sprintf(
		`{"event":{"textOutput":{"role":"ASSISTANT","content":%q}}}`, "good morning"))

	msg := readServerMessage(t, conn, msgTextOutput)
	if msg.Role != "ASSISTANT" || msg.Content != "good morning" {
		t.Fatalf("text_output = %+v", msg)
	}

	if !waitFor(2*time.Second, func() bool {
		turns, _ := env.store.SessionTurns(context.Background(), "s1", 0)
		return len(turns) == 1
	}) {
		t.Fatalf("assistant turn never persisted")
	}
	turns, _ := env.store.SessionTurns(context.Background(), "s1", 0)
	if turns[0].Role != transcript.RoleAssistant || turns[0].Content != "good morning" {
		t.Fatalf("persisted turn = %+v", turns[0])
	}
}

func TestSessionWSControlClose(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/v1/sessions", map[string]string{"session_id": "s1"}).Body.Close()
	conn := dialSessionWS(t, env, "s1")

	if !waitFor(2*time.Second, func() bool { return len(env.transport.sentKinds()) >= 6 }) {
		t.Fatalf("handshake never completed")
	}

	if err := conn.WriteJSON(clientMessage{Type: msgControl, Action: actionClose}); err != nil {
		t.Fatalf("write control close: %v", err)
	}

	if !waitFor(2*time.Second, func() bool { return !env.engine.IsSessionActive("s1") }) {
		t.Fatalf("session still active after control close")
	}

	ends := 0
	for _, kind := range env.transport.sentKinds() {
		if kind == protocol.KindSessionEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("sessionEnd frames = %d, want 1 (%v)", ends, env.transport.sentKinds())
	}
}

func TestSessionWSRejectsMalformedMessage(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/v1/sessions", map[string]string{"session_id": "s1"}).Body.Close()
	conn := dialSessionWS(t, env, "s1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write malformed message: %v", err)
	}
	msg := readServerMessage(t, conn, msgError)
	if msg.Code != "invalid_client_message" {
		t.Fatalf("error code = %q", msg.Code)
	}
}
