package models

import (
	"time"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionEnded   SessionStatus = "ended"
)

// Valid reports whether the status is one of the defined lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionActive, SessionPaused, SessionEnded:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded
}

// Session represents a multi-turn, multi-participant conversation.
//
// Sessions are mutated only through the orchestrator's defined transitions
// and are soft-retired on end: RetiredAt is set and the record is filtered
// from default queries, never hard-deleted. Version supports optimistic
// concurrency on persist.
type Session struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    SessionStatus  `json:"status"`
	Context   map[string]any `json:"context,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	RetiredAt *time.Time     `json:"retired_at,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Duration returns the elapsed time between start and end. If the session
// has not ended, the duration runs to now; if it never started, zero.
func (s *Session) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(*s.StartedAt) {
		return 0
	}
	return end.Sub(*s.StartedAt)
}

// ParticipantKind distinguishes agent participants from human users.
type ParticipantKind string

const (
	ParticipantAgent ParticipantKind = "agent"
	ParticipantUser  ParticipantKind = "user"
)

// Participant links an agent or user to a session under a role.
// Uniqueness is keyed by (session, participant, role). Leaving a session
// sets LeftAt; the record itself is preserved for history.
type Participant struct {
	SessionID     string          `json:"session_id"`
	ParticipantID string          `json:"participant_id"`
	Kind          ParticipantKind `json:"kind"`
	Role          string          `json:"role"`
	JoinedAt      time.Time       `json:"joined_at"`
	LeftAt        *time.Time      `json:"left_at,omitempty"`
}

// Active reports whether the participant has not left the session.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// Snapshot is a point-in-time copy of a session's mutable fields.
// It is produced and consumed on demand and never stored as its own entity.
type Snapshot struct {
	Status   SessionStatus  `json:"status"`
	State    map[string]any `json:"state,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TakenAt  time.Time      `json:"taken_at"`
}

// SessionExport is the flattened form of a session plus its history,
// returned by the export operation.
type SessionExport struct {
	Session          *Session       `json:"session"`
	Participants     []*Participant `json:"participants"`
	Messages         []*Message     `json:"messages"`
	Events           []*Event       `json:"events"`
	MessageCount     int            `json:"message_count"`
	ParticipantCount int            `json:"participant_count"`
	DurationSeconds  float64        `json:"duration_seconds"`
}
