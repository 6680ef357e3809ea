// Package session holds the state of one logical gateway session.
package session

import (
	"time"

	"gatewaykit/internal/domain"
)

// State is the session identity and sequencing data needed to Resume.
// It is owned by a single goroutine at a time and is not safe for concurrent
// use.
type State struct {
	SessionID         string
	ResumeURL         string
	LastSeq           int64
	HeartbeatInterval time.Duration
}

// Observe records seq. LastSeq only moves forward.
func (s *State) Observe(seq int64) {
	if seq > s.LastSeq {
		s.LastSeq = seq
	}
}

// Resumable reports whether the state identifies a session.
func (s State) Resumable() bool { return s.SessionID != "" }

// Reset forgets the session. The next connection must Identify.
func (s *State) Reset() {
	*s = State{}
}

// Established records the identifiers from READY.
func (s *State) Established(sessionID, resumeURL string) {
	s.SessionID = sessionID
	if resumeURL != "" {
		s.ResumeURL = resumeURL
	}
}

// Record converts the state for persistence under key.
func (s State) Record(key string) *domain.SessionRecord {
	return &domain.SessionRecord{
		Key:       key,
		SessionID: s.SessionID,
		ResumeURL: s.ResumeURL,
		LastSeq:   s.LastSeq,
		UpdatedAt: time.Now().UTC(),
	}
}

// FromRecord restores state saved with Record.
func FromRecord(rec *domain.SessionRecord) State {
	if rec == nil {
		return State{}
	}
	return State{
		SessionID: rec.SessionID,
		ResumeURL: rec.ResumeURL,
		LastSeq:   rec.LastSeq,
	}
}
