// Package storage defines the persistent store collaborator: one repository
// interface per entity, grouped into a StoreSet.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/conduit-ai/conduit/pkg/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// SessionListOptions configures session listing.
type SessionListOptions struct {
	Status models.SessionStatus
	// IncludeRetired returns soft-retired sessions as well. By default
	// retired records are filtered at query time.
	IncludeRetired bool
	Limit          int
	Offset         int
}

// SessionStore persists sessions. Update enforces an optimistic concurrency
// check: the stored Version must match the caller's, and is bumped on write.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	List(ctx context.Context, opts SessionListOptions) ([]*models.Session, error)
}

// ParticipantStore persists session membership records. Add enforces
// (session, participant, role) uniqueness; MarkLeft sets LeftAt rather
// than deleting, preserving history.
type ParticipantStore interface {
	Add(ctx context.Context, p *models.Participant) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.Participant, error)
	MarkLeft(ctx context.Context, sessionID, participantID string, at time.Time) error
}

// MessageStore persists the append-only message history of a session.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// EventStore persists the append-only audit trail.
type EventStore interface {
	Append(ctx context.Context, event *models.Event) error
	ListBySubject(ctx context.Context, kind models.SubjectKind, subjectID string, limit int) ([]*models.Event, error)
}

// AgentStore persists agent configurations and runtime state.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
}

// TaskStore persists tasks. Task completion is observed by polling the
// stored record, not by blocking on the executor.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Task, error)
}

// PromptStore persists role prompt configurations and the append-only
// output history that feeds prompt assembly.
type PromptStore interface {
	GetRoleConfig(ctx context.Context, role string) ([]byte, error)
	PutRoleConfig(ctx context.Context, role string, config []byte) error
	AppendRecord(ctx context.Context, record *models.PromptRecord) error
	ListRecords(ctx context.Context, role string, limit int) ([]*models.PromptRecord, error)
}

// StoreSet groups the per-entity repositories.
type StoreSet struct {
	Sessions     SessionStore
	Participants ParticipantStore
	Messages     MessageStore
	Events       EventStore
	Agents       AgentStore
	Tasks        TaskStore
	Prompts      PromptStore

	closer func() error
}

// Close closes any underlying resources.
func (s *StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
