package store

import "context"

// NewNoop returns a Set that discards writes and returns empty reads. Used
// when no storage path is configured.
func NewNoop() *Set {
	return &Set{
		ChatLog:  noopChatLog{},
		Memory:   noopMemory{},
		Sessions: noopSessions{},
	}
}

type noopChatLog struct{}

func (noopChatLog) Append(ctx context.Context, entry ChatLogEntry) error { return nil }
func (noopChatLog) Recent(ctx context.Context, userID string, limit int) ([]ChatLogEntry, error) {
	return nil, nil
}

type noopMemory struct{}

func (noopMemory) Get(ctx context.Context, userID string) (string, error)   { return "", nil }
func (noopMemory) Update(ctx context.Context, userID, content string) error { return nil }

type noopSessions struct{}

func (noopSessions) Append(ctx context.Context, msg SessionMessage) error { return nil }
func (noopSessions) History(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	return nil, nil
}
