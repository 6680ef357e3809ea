package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"gatewaykit/internal/domain"
)

// SQLiteSessionStore implements domain.SessionStore using SQLite.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS gateway_sessions (
			key        TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			resume_url TEXT NOT NULL DEFAULT '',
			last_seq   INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSessionStore) Load(ctx context.Context, key string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT key, session_id, resume_url, last_seq, updated_at FROM gateway_sessions WHERE key = ?", key,
	)
	var rec domain.SessionRecord
	var updated string
	if err := row.Scan(&rec.Key, &rec.SessionID, &rec.ResumeURL, &rec.LastSeq, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %q: %w", key, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

// Save upserts rec. A record never moves LastSeq backwards for the same
// session ID.
func (s *SQLiteSessionStore) Save(ctx context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.Key == "" || rec.SessionID == "" {
		return domain.NewDomainError("SessionStore.Save", domain.ErrInvalidInput, "key and session id required")
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_sessions (key, session_id, resume_url, last_seq, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_seq = CASE WHEN gateway_sessions.session_id = excluded.session_id
				THEN MAX(gateway_sessions.last_seq, excluded.last_seq)
				ELSE excluded.last_seq END,
			session_id = excluded.session_id,
			resume_url = excluded.resume_url,
			updated_at = excluded.updated_at`,
		rec.Key, rec.SessionID, rec.ResumeURL, rec.LastSeq, updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session %q: %w", rec.Key, err)
	}
	return nil
}

// Delete removes the record for key. Deleting a missing key is not an error.
func (s *SQLiteSessionStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM gateway_sessions WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete session %q: %w", key, err)
	}
	return nil
}
