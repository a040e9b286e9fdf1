// Package session implements the session lifecycle state machine:
// pending → active ⇄ paused → ended. All session mutations flow through
// the Orchestrator, which persists with optimistic concurrency, emits a
// typed event pair around every transition, and soft-retires rather than
// deletes.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-ai/conduit/internal/events"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/pkg/models"
)

var (
	// ErrInvalidTransition reports a lifecycle transition the state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrSessionEnded reports an operation on a session that has
	// reached its terminal state.
	ErrSessionEnded = errors.New("session has ended")
)

// Orchestrator drives the session state machine.
type Orchestrator struct {
	sessions     storage.SessionStore
	participants storage.ParticipantStore
	messages     storage.MessageStore
	eventLog     storage.EventStore
	bus          *events.Bus
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// Options configures an Orchestrator. Metrics may be nil.
type Options struct {
	Stores  *storage.StoreSet
	Bus     *events.Bus
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewOrchestrator creates an Orchestrator over the given stores.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Orchestrator{
		sessions:     opts.Stores.Sessions,
		participants: opts.Stores.Participants,
		messages:     opts.Stores.Messages,
		eventLog:     opts.Stores.Events,
		bus:          opts.Bus,
		logger:       logger,
		metrics:      opts.Metrics,
		now:          time.Now,
	}
}

// Create registers a new session in the pending state. Nothing runs until
// Start is called.
func (o *Orchestrator) Create(ctx context.Context, sessionType string, sessionContext map[string]any) (*models.Session, error) {
	session := &models.Session{
		ID:      uuid.NewString(),
		Type:    sessionType,
		Status:  models.SessionPending,
		Context: sessionContext,
		State:   map[string]any{},
		Metadata: map[string]any{
			"created_by": "orchestrator",
		},
	}

	ctx = observability.AddSessionID(ctx, session.ID)
	o.emit(ctx, session.ID, models.EventSessionCreating, nil)

	if err := o.sessions.Create(ctx, session); err != nil {
		return nil, o.fail(ctx, session, fmt.Errorf("create session: %w", err))
	}

	o.emit(ctx, session.ID, models.EventSessionCreated, map[string]any{"type": sessionType})
	o.logger.Info(ctx, "session created", "type", sessionType)
	return session, nil
}

// Start transitions a pending session to active and stamps StartedAt.
func (o *Orchestrator) Start(ctx context.Context, id string) (*models.Session, error) {
	session, err := o.transition(ctx, id, "start",
		[]models.SessionStatus{models.SessionPending}, models.SessionActive,
		models.EventSessionStarting, models.EventSessionStarted,
		func(s *models.Session, at time.Time) {
			s.StartedAt = &at
		})
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
	}
	return session, nil
}

// Pause suspends an active session. Paused sessions accept no messages.
func (o *Orchestrator) Pause(ctx context.Context, id string) (*models.Session, error) {
	session, err := o.transition(ctx, id, "pause",
		[]models.SessionStatus{models.SessionActive}, models.SessionPaused,
		models.EventSessionPausing, models.EventSessionPaused, nil)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.ActiveSessions.Dec()
	}
	return session, nil
}

// Resume returns a paused session to active.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*models.Session, error) {
	session, err := o.transition(ctx, id, "resume",
		[]models.SessionStatus{models.SessionPaused}, models.SessionActive,
		models.EventSessionResuming, models.EventSessionResumed, nil)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
	}
	return session, nil
}

// End terminates an active or paused session and stamps EndedAt. Ended is
// terminal: no further transitions are permitted.
func (o *Orchestrator) End(ctx context.Context, id string) (*models.Session, error) {
	var fromActive bool
	// Pending sessions may be ended directly when setup fails before Start.
	session, err := o.transition(ctx, id, "end",
		[]models.SessionStatus{models.SessionPending, models.SessionActive, models.SessionPaused}, models.SessionEnded,
		models.EventSessionEnding, models.EventSessionEnded,
		func(s *models.Session, at time.Time) {
			fromActive = s.Status == models.SessionActive
			s.EndedAt = &at
		})
	if err != nil {
		return nil, err
	}
	// Only active sessions are counted on the gauge.
	if o.metrics != nil && fromActive {
		o.metrics.ActiveSessions.Dec()
	}
	return session, nil
}

// transition loads the session, checks the source state, applies the
// mutation, and persists under the optimistic version check. The pre event
// fires before the write, the post event after it succeeds.
func (o *Orchestrator) transition(ctx context.Context, id, name string, from []models.SessionStatus, to models.SessionStatus, pre, post models.EventType, mutate func(*models.Session, time.Time)) (*models.Session, error) {
	ctx = observability.AddSessionID(ctx, id)

	session, err := o.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	allowed := false
	for _, s := range from {
		if session.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		err := fmt.Errorf("%w: %s from %s", ErrInvalidTransition, name, session.Status)
		return nil, o.fail(ctx, session, err)
	}

	o.emit(ctx, id, pre, map[string]any{"from": string(session.Status)})

	// mutate observes the session with its prior status still set.
	at := o.now()
	if mutate != nil {
		mutate(session, at)
	}
	session.Status = to

	if err := o.sessions.Update(ctx, session); err != nil {
		return nil, o.fail(ctx, session, fmt.Errorf("%s session: %w", name, err))
	}

	o.emit(ctx, id, post, map[string]any{"status": string(to)})
	if o.metrics != nil {
		o.metrics.SessionTransitions.WithLabelValues(name).Inc()
	}
	o.logger.Info(ctx, "session transition", "transition", name, "status", string(to))
	return session, nil
}

// AddParticipant joins an agent or user to the session under a role. The
// same participant may hold several distinct roles; re-adding an existing
// (participant, role) pair fails.
func (o *Orchestrator) AddParticipant(ctx context.Context, sessionID, participantID string, kind models.ParticipantKind, role string) (*models.Participant, error) {
	ctx = observability.AddSessionID(ctx, sessionID)

	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status.Terminal() {
		return nil, o.fail(ctx, session, fmt.Errorf("add participant: %w", ErrSessionEnded))
	}

	p := &models.Participant{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Kind:          kind,
		Role:          role,
		JoinedAt:      o.now(),
	}
	if err := o.participants.Add(ctx, p); err != nil {
		return nil, o.fail(ctx, session, fmt.Errorf("add participant %s: %w", participantID, err))
	}

	o.emit(ctx, sessionID, models.EventParticipantJoined, map[string]any{
		"participant_id": participantID,
		"kind":           string(kind),
		"role":           role,
	})
	return p, nil
}

// RemoveParticipant marks the participant as having left. The membership
// record is preserved with its LeftAt timestamp.
func (o *Orchestrator) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	ctx = observability.AddSessionID(ctx, sessionID)

	if err := o.participants.MarkLeft(ctx, sessionID, participantID, o.now()); err != nil {
		return fmt.Errorf("remove participant %s: %w", participantID, err)
	}

	o.emit(ctx, sessionID, models.EventParticipantLeft, map[string]any{
		"participant_id": participantID,
	})
	return nil
}

// AddMessage appends a message to an active session's history and refreshes
// the session's last-activity marker.
func (o *Orchestrator) AddMessage(ctx context.Context, sessionID, senderID string, msgType models.MessageType, content string) (*models.Message, error) {
	ctx = observability.AddSessionID(ctx, sessionID)

	if !msgType.Valid() {
		return nil, fmt.Errorf("invalid message type %q", msgType)
	}

	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status != models.SessionActive {
		err := fmt.Errorf("add message: session is %s", session.Status)
		return nil, o.fail(ctx, session, err)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		SenderID:  senderID,
		Type:      msgType,
		Content:   content,
		CreatedAt: o.now(),
	}
	if err := o.messages.Append(ctx, msg); err != nil {
		return nil, o.fail(ctx, session, fmt.Errorf("append message: %w", err))
	}

	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata["last_activity_at"] = msg.CreatedAt.UTC().Format(time.RFC3339)
	if err := o.sessions.Update(ctx, session); err != nil {
		// The message is already durable; a stale activity marker is
		// tolerable and the next write refreshes it.
		o.logger.Warn(ctx, "failed to update last activity", "error", err)
	}

	o.emit(ctx, sessionID, models.EventMessageAdded, map[string]any{
		"message_id": msg.ID,
		"sender_id":  senderID,
		"type":       string(msgType),
	})
	return msg, nil
}

// Snapshot captures the session's mutable fields at this moment.
func (o *Orchestrator) Snapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &models.Snapshot{
		Status:   session.Status,
		State:    cloneMap(session.State),
		Context:  cloneMap(session.Context),
		Metadata: cloneMap(session.Metadata),
		TakenAt:  o.now(),
	}, nil
}

// Restore overwrites the session's mutable fields with the snapshot's. The
// restore is a pure overwrite: no merging with current values, so restoring
// a snapshot taken earlier yields exactly the snapshotted fields.
func (o *Orchestrator) Restore(ctx context.Context, sessionID string, snap *models.Snapshot) (*models.Session, error) {
	ctx = observability.AddSessionID(ctx, sessionID)

	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	session.Status = snap.Status
	session.State = cloneMap(snap.State)
	session.Context = cloneMap(snap.Context)
	session.Metadata = cloneMap(snap.Metadata)

	if err := o.sessions.Update(ctx, session); err != nil {
		return nil, o.fail(ctx, session, fmt.Errorf("restore session: %w", err))
	}

	o.emit(ctx, sessionID, models.EventSessionRestored, map[string]any{
		"taken_at": snap.TakenAt.UTC().Format(time.RFC3339),
	})
	o.logger.Info(ctx, "session restored", "status", string(session.Status))
	return session, nil
}

// Get returns a session by ID.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return o.sessions.Get(ctx, sessionID)
}

// List returns sessions matching the options.
func (o *Orchestrator) List(ctx context.Context, opts storage.SessionListOptions) ([]*models.Session, error) {
	return o.sessions.List(ctx, opts)
}

// Export assembles the session with its full participant, message, and
// event history.
func (o *Orchestrator) Export(ctx context.Context, sessionID string) (*models.SessionExport, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	participants, err := o.participants.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	messages, err := o.messages.ListBySession(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	history, err := o.eventLog.ListBySubject(ctx, models.SubjectSession, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	return &models.SessionExport{
		Session:          session,
		Participants:     participants,
		Messages:         messages,
		Events:           history,
		MessageCount:     len(messages),
		ParticipantCount: len(participants),
		DurationSeconds:  session.Duration().Seconds(),
	}, nil
}

// Retire soft-deletes an ended session: RetiredAt is stamped and default
// listings stop returning the record. History is preserved.
func (o *Orchestrator) Retire(ctx context.Context, sessionID string) error {
	ctx = observability.AddSessionID(ctx, sessionID)

	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !session.Status.Terminal() {
		return o.fail(ctx, session, fmt.Errorf("retire: session is %s, not ended", session.Status))
	}
	if session.RetiredAt != nil {
		return nil
	}

	at := o.now()
	session.RetiredAt = &at
	if err := o.sessions.Update(ctx, session); err != nil {
		return o.fail(ctx, session, fmt.Errorf("retire session: %w", err))
	}
	o.logger.Info(ctx, "session retired")
	return nil
}

// fail logs the error with the full session state, emits an error event,
// and hands the error back for the caller to propagate.
func (o *Orchestrator) fail(ctx context.Context, session *models.Session, err error) error {
	o.logger.Error(ctx, "session operation failed",
		"error", err.Error(),
		"status", string(session.Status),
		"type", session.Type,
		"version", session.Version,
		"state", session.State,
	)
	o.emit(ctx, session.ID, models.EventSessionError, map[string]any{
		"error":  err.Error(),
		"status": string(session.Status),
	})
	return err
}

func (o *Orchestrator) emit(ctx context.Context, sessionID string, t models.EventType, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(ctx, &models.Event{
		ID:          uuid.NewString(),
		SubjectKind: models.SubjectSession,
		SubjectID:   sessionID,
		Type:        t,
		Payload:     payload,
		OccurredAt:  o.now(),
	})
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
