// Package transcript persists the conversational record of streaming
// sessions: user utterances, assistant output, and tool activity.
package transcript

import (
	"context"
	"strings"
	"time"
)

// Turn roles recorded in a session transcript.
const (
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)

// Turn stores a single conversational turn of one session.
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	StopReason string    `json:"stop_reason,omitempty"`
	Redacted   bool      `json:"redacted,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists and retrieves session transcripts.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
