// Package transport connects the session engine to the remote model
// service over a long-lived websocket, one connection per invocation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lriva/voxbridge/internal/reliability"
	"github.com/lriva/voxbridge/internal/stream"
)

const (
	defaultHandshakeTimeout = 4 * time.Second
	defaultWriteTimeout     = 3 * time.Second

	dialAttempts    = 3
	dialBackoffBase = 200 * time.Millisecond
	dialBackoffCap  = 2 * time.Second
)

// Options configures the websocket transport.
type Options struct {
	// URL of the model service endpoint. http(s) schemes are rewritten
	// to ws(s).
	URL string
	// AuthToken, when set, is sent as a bearer Authorization header on
	// the dial request.
	AuthToken string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// WebSocket implements stream.Transport over gorilla/websocket. Each
// Invoke dials a fresh connection, runs a writer goroutine that drains
// the frame source, and hands the reader side back as a FrameStream.
type WebSocket struct {
	url          string
	authToken    string
	writeTimeout time.Duration
	dialer       websocket.Dialer
	log          *zap.Logger
}

func NewWebSocket(opts Options, log *zap.Logger) (*WebSocket, error) {
	endpoint, err := normalizeEndpointURL(opts.URL)
	if err != nil {
		return nil, err
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocket{
		url:          endpoint,
		authToken:    strings.TrimSpace(opts.AuthToken),
		writeTimeout: writeTimeout,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
		log: log,
	}, nil
}

func normalizeEndpointURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("model service url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse model service url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported model service url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Invoke dials the model service and wires source to the connection's
// write side. The returned FrameStream yields inbound messages until the
// peer closes or the stream is closed locally.
func (t *WebSocket) Invoke(ctx context.Context, source stream.FrameSource) (stream.FrameStream, error) {
	header := http.Header{}
	if t.authToken != "" {
		header.Set("Authorization", "Bearer "+t.authToken)
	}

	conn, err := t.dial(ctx, header)
	if err != nil {
		return nil, err
	}

	ws := newWSStream(conn)
	go t.writeLoop(ctx, conn, source)
	return ws, nil
}

// dial attempts the websocket handshake with capped backoff. Network
// failures and retryable HTTP rejections are retried; a definitive
// rejection (auth, bad request) fails immediately.
func (t *WebSocket) dial(ctx context.Context, header http.Header) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, dialBackoffBase, dialBackoffCap)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			lastErr = fmt.Errorf("model service dial failed (%s): %w", resp.Status, err)
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, lastErr
			}
		} else {
			lastErr = fmt.Errorf("model service dial failed: %w", err)
		}
		t.log.Warn("model service dial attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// writeLoop pulls frames from the source until it signals end-of-sequence,
// then sends a close control frame so the peer can finish cleanly.
func (t *WebSocket) writeLoop(ctx context.Context, conn *websocket.Conn, source stream.FrameSource) {
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			deadline := time.Now().Add(t.writeTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.log.Warn("model service write failed", zap.Error(err))
			source.Stop()
			return
		}
	}
}

// wsStream adapts a websocket connection's read side to stream.FrameStream.
// A pump goroutine owns ReadMessage; Recv multiplexes it against the
// caller's context.
type wsStream struct {
	conn *websocket.Conn
	msgs chan []byte
	errs chan error
	done chan struct{}
	once sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	ws := &wsStream{
		conn: conn,
		msgs: make(chan []byte, 256),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(ws.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				ws.errs <- err
				return
			}
			select {
			case ws.msgs <- data:
			case <-ws.done:
				return
			}
		}
	}()
	return ws
}

func (ws *wsStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-ws.msgs:
		if !ok {
			select {
			case err := <-ws.errs:
				return nil, normalizeReadError(err)
			default:
			}
			return nil, io.EOF
		}
		return data, nil
	case err := <-ws.errs:
		return nil, normalizeReadError(err)
	}
}

func (ws *wsStream) Close() error {
	var err error
	ws.once.Do(func() {
		close(ws.done)
		err = ws.conn.Close()
	})
	return err
}

// normalizeReadError maps orderly peer shutdown onto io.EOF so the
// dispatcher treats it as a clean stream end, not a failure.
func normalizeReadError(err error) error {
	if err == nil {
		return io.EOF
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}
