package domain

import (
	"context"
	"time"
)

// SessionRecord is the persisted form of a gateway session: enough to Resume
// after the process restarts.
type SessionRecord struct {
	Key       string
	SessionID string
	ResumeURL string
	LastSeq   int64
	UpdatedAt time.Time
}

// SessionStore persists session records by key.
type SessionStore interface {
	Load(ctx context.Context, key string) (*SessionRecord, error)
	Save(ctx context.Context, rec *SessionRecord) error
	Delete(ctx context.Context, key string) error
	Close() error
}
