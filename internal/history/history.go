// Package history persists chat interactions so users can revisit past
// questions and answers. Storage is SQLite; writes are best-effort from the
// service's point of view.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_history (
	query_id    TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	question    TEXT NOT NULL,
	answer      TEXT NOT NULL,
	mode        TEXT NOT NULL,
	matched     INTEGER NOT NULL DEFAULT 0,
	degraded    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_history_user
	ON chat_history (user_id, created_at DESC);
`

// Interaction is one recorded question/answer pair.
type Interaction struct {
	QueryID      string    `json:"query_id"`
	UserID       string    `json:"user_id"`
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	Mode         string    `json:"mode"`
	MatchedCount int       `json:"matched_count"`
	Degraded     bool      `json:"degraded"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is a SQLite-backed chat history store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the history database at dsn.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "data/history.db"
	}

	dir := filepath.Dir(dsn)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record saves one interaction.
func (s *Store) Record(ctx context.Context, in Interaction) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chat_history
			(query_id, user_id, question, answer, mode, matched, degraded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.QueryID, in.UserID, in.Question, in.Answer, in.Mode,
		in.MatchedCount, boolToInt(in.Degraded), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// List returns a user's interactions, newest first, up to limit.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_id, user_id, question, answer, mode, matched, degraded, created_at
		FROM chat_history
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var in Interaction
		var degraded int
		if err := rows.Scan(
			&in.QueryID, &in.UserID, &in.Question, &in.Answer, &in.Mode,
			&in.MatchedCount, &degraded, &in.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.Degraded = degraded != 0
		out = append(out, in)
	}
	return out, rows.Err()
}

// DeleteUser removes all of a user's history.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
