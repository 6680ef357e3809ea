package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gatewaykit/internal/domain"
)

func newSQLiteStore(t *testing.T) *SQLiteSessionStore {
	t.Helper()
	s, err := NewSQLiteSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSessionStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]domain.SessionStore {
	return map[string]domain.SessionStore{
		"memory": NewMemorySessionStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func TestSessionStore_RoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Load(ctx, "bot"); !errors.Is(err, domain.ErrSessionNotFound) {
				t.Fatalf("Load on empty store: %v", err)
			}

			rec := &domain.SessionRecord{
				Key:       "bot",
				SessionID: "abc",
				ResumeURL: "wss://resume.example",
				LastSeq:   42,
				UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			}
			if err := s.Save(ctx, rec); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Load(ctx, "bot")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.SessionID != "abc" || got.ResumeURL != "wss://resume.example" || got.LastSeq != 42 {
				t.Errorf("Load = %+v", got)
			}
			if !got.UpdatedAt.Equal(rec.UpdatedAt) {
				t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
			}

			if err := s.Delete(ctx, "bot"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Load(ctx, "bot"); !errors.Is(err, domain.ErrSessionNotFound) {
				t.Errorf("Load after Delete: %v", err)
			}
			if err := s.Delete(ctx, "bot"); err != nil {
				t.Errorf("second Delete: %v", err)
			}
		})
	}
}

func TestSessionStore_SeqNeverRegresses(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustSave(t, s, &domain.SessionRecord{Key: "k", SessionID: "abc", LastSeq: 10})
			mustSave(t, s, &domain.SessionRecord{Key: "k", SessionID: "abc", LastSeq: 7})

			got, err := s.Load(ctx, "k")
			if err != nil {
				t.Fatal(err)
			}
			if got.LastSeq != 10 {
				t.Errorf("LastSeq = %d, want 10", got.LastSeq)
			}

			// A new session starts its own sequence.
			mustSave(t, s, &domain.SessionRecord{Key: "k", SessionID: "def", LastSeq: 2})
			got, err = s.Load(ctx, "k")
			if err != nil {
				t.Fatal(err)
			}
			if got.SessionID != "def" || got.LastSeq != 2 {
				t.Errorf("after new session: %+v", got)
			}
		})
	}
}

func TestSessionStore_SaveRejectsIncomplete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, rec := range []*domain.SessionRecord{nil, {Key: "k"}, {SessionID: "abc"}} {
				if err := s.Save(context.Background(), rec); !errors.Is(err, domain.ErrInvalidInput) {
					t.Errorf("Save(%+v) = %v, want ErrInvalidInput", rec, err)
				}
			}
		})
	}
}

func TestSQLiteSessionStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	s, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustSave(t, s, &domain.SessionRecord{Key: "bot", SessionID: "abc", LastSeq: 5})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "bot")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastSeq != 5 {
		t.Errorf("LastSeq = %d, want 5", got.LastSeq)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("redis", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func mustSave(t *testing.T, s domain.SessionStore, rec *domain.SessionRecord) {
	t.Helper()
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
