package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/pkg/models"
)

// OpenSQLite opens (or creates) the database at path and returns a Set
// backed by it. ":memory:" gives an ephemeral store.
func OpenSQLite(path string) (*Set, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver is pure Go; a single writer avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Set{
		ChatLog:  &sqliteChatLog{db: db},
		Memory:   &sqliteMemory{db: db},
		Sessions: &sqliteSessions{db: db},
		closer:   db.Close,
	}, nil
}

func initSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_logs (
			interaction_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt TEXT NOT NULL,
			reply TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_logs_user ON chat_logs(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memories (
			user_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

type sqliteChatLog struct {
	db *sql.DB
}

func (s *sqliteChatLog) Append(ctx context.Context, entry ChatLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chat_logs (interaction_id, user_id, model, prompt, reply, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.InteractionID, entry.UserID, entry.Model, entry.Prompt, entry.Reply, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append chat log: %w", err)
	}
	return nil
}

func (s *sqliteChatLog) Recent(ctx context.Context, userID string, limit int) ([]ChatLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT interaction_id, user_id, model, prompt, reply, created_at
		 FROM chat_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat logs: %w", err)
	}
	defer rows.Close()

	var entries []ChatLogEntry
	for rows.Next() {
		var entry ChatLogEntry
		if err := rows.Scan(&entry.InteractionID, &entry.UserID, &entry.Model,
			&entry.Prompt, &entry.Reply, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type sqliteMemory struct {
	db *sql.DB
}

func (s *sqliteMemory) Get(ctx context.Context, userID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM memories WHERE user_id = ?`, userID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return content, nil
}

func (s *sqliteMemory) Update(ctx context.Context, userID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (user_id, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		userID, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

type sqliteSessions struct {
	db *sql.DB
}

func (s *sqliteSessions) Append(ctx context.Context, msg SessionMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append session message: %w", err)
	}
	return nil
}

func (s *sqliteSessions) History(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	// Last N messages in chronological order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var messages []SessionMessage
	for rows.Next() {
		var msg SessionMessage
		var role string
		if err := rows.Scan(&msg.SessionID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
