package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore counts usage in a sqlite table keyed (user, model, day).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the counter database at path, creating the table when
// missing.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS usage (
		user_id TEXT NOT NULL,
		model TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, model, day)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init quota schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing database handle that already carries the
// usage table.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Usage(ctx context.Context, userID, model, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage WHERE user_id = ? AND model = ? AND day = ?`,
		userID, model, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Increment(ctx context.Context, userID, model, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage (user_id, model, day, count) VALUES (?, ?, ?, 1)
		 ON CONFLICT(user_id, model, day) DO UPDATE SET count = count + 1
		 RETURNING count`,
		userID, model, day).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
