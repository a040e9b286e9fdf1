package models

import (
	"time"
)

// SubjectKind identifies what kind of entity an event refers to.
type SubjectKind string

const (
	SubjectSession SubjectKind = "session"
	SubjectAgent   SubjectKind = "agent"
)

// EventType enumerates the events emitted by the orchestration layer.
// Lifecycle transitions emit "-ing"/"-ed" pairs so external listeners can
// observe both sides of a transition.
type EventType string

const (
	EventSessionCreating EventType = "session.creating"
	EventSessionCreated  EventType = "session.created"
	EventSessionStarting EventType = "session.starting"
	EventSessionStarted  EventType = "session.started"
	EventSessionPausing  EventType = "session.pausing"
	EventSessionPaused   EventType = "session.paused"
	EventSessionResuming EventType = "session.resuming"
	EventSessionResumed  EventType = "session.resumed"
	EventSessionEnding   EventType = "session.ending"
	EventSessionEnded    EventType = "session.ended"
	EventSessionRestored EventType = "session.restored"
	EventSessionError    EventType = "session.error"

	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventMessageAdded      EventType = "message.added"

	EventAgentUpdated  EventType = "agent.updated"
	EventAgentPaused   EventType = "agent.paused"
	EventAgentResumed  EventType = "agent.resumed"
	EventAgentTrained  EventType = "agent.trained"
	EventAgentError    EventType = "agent.error"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
)

// Event is a single append-only audit trail entry attached to a session
// or an agent. Events are immutable once written.
type Event struct {
	ID          string         `json:"id"`
	SubjectKind SubjectKind    `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	Type        EventType      `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
