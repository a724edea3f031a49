// Package store persists conversation artifacts: chat logs, per-user
// long-term memory, and session transcripts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

var ErrNotFound = errors.New("not found")

// ChatLogEntry is one completed interaction.
type ChatLogEntry struct {
	InteractionID string
	UserID        string
	Model         string
	Prompt        string
	Reply         string
	CreatedAt     time.Time
}

// SessionMessage is one transcript turn within a session.
type SessionMessage struct {
	SessionID string
	Role      models.Role
	Content   string
	CreatedAt time.Time
}

// ChatLog records completed interactions for audit and usage review.
type ChatLog interface {
	Append(ctx context.Context, entry ChatLogEntry) error
	Recent(ctx context.Context, userID string, limit int) ([]ChatLogEntry, error)
}

// Memory holds one free-text memory document per user.
type Memory interface {
	Get(ctx context.Context, userID string) (string, error)
	Update(ctx context.Context, userID, content string) error
}

// Sessions persists conversation transcripts keyed by session id.
type Sessions interface {
	Append(ctx context.Context, msg SessionMessage) error
	History(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error)
}

// Set groups the collaborator stores behind one handle.
type Set struct {
	ChatLog  ChatLog
	Memory   Memory
	Sessions Sessions
	closer   func() error
}

// Close releases the underlying database, if any.
func (s *Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
