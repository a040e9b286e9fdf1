package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-ai/conduit/pkg/models"
)

// memoryState is the shared backing state for the in-memory repositories.
// A single mutex guards all maps so cross-entity operations observe a
// consistent view.
type memoryState struct {
	mu           sync.RWMutex
	sessions     map[string]*models.Session
	participants map[string][]*models.Participant
	messages     map[string][]*models.Message
	events       map[string][]*models.Event
	agents       map[string]*models.Agent
	tasks        map[string]*models.Task
	promptConfig map[string][]byte
	promptHist   map[string][]*models.PromptRecord
}

// NewMemoryStores creates an in-memory store set for tests and local runs.
func NewMemoryStores() *StoreSet {
	state := &memoryState{
		sessions:     map[string]*models.Session{},
		participants: map[string][]*models.Participant{},
		messages:     map[string][]*models.Message{},
		events:       map[string][]*models.Event{},
		agents:       map[string]*models.Agent{},
		tasks:        map[string]*models.Task{},
		promptConfig: map[string][]byte{},
		promptHist:   map[string][]*models.PromptRecord{},
	}
	return &StoreSet{
		Sessions:     &memorySessions{state},
		Participants: &memoryParticipants{state},
		Messages:     &memoryMessages{state},
		Events:       &memoryEvents{state},
		Agents:       &memoryAgents{state},
		Tasks:        &memoryTasks{state},
		Prompts:      &memoryPrompts{state},
	}
}

// --- SessionStore ---

type memorySessions struct{ s *memoryState }

func (m *memorySessions) Create(ctx context.Context, session *models.Session) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.s.sessions[clone.ID]; exists {
		return ErrAlreadyExists
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	clone.Version = 1
	// Reflect generated fields back to the caller.
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	session.Version = clone.Version
	m.s.sessions[clone.ID] = clone
	return nil
}

func (m *memorySessions) Get(ctx context.Context, id string) (*models.Session, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	session, ok := m.s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *memorySessions) Update(ctx context.Context, session *models.Session) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	existing, ok := m.s.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != session.Version {
		return ErrVersionConflict
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	clone.Version = existing.Version + 1
	m.s.sessions[clone.ID] = clone
	session.Version = clone.Version
	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *memorySessions) List(ctx context.Context, opts SessionListOptions) ([]*models.Session, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	var out []*models.Session
	for _, session := range m.s.sessions {
		if session.RetiredAt != nil && !opts.IncludeRetired {
			continue
		}
		if opts.Status != "" && session.Status != opts.Status {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// --- ParticipantStore ---

type memoryParticipants struct{ s *memoryState }

func (m *memoryParticipants) Add(ctx context.Context, p *models.Participant) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, existing := range m.s.participants[p.SessionID] {
		if existing.ParticipantID == p.ParticipantID && existing.Role == p.Role {
			return ErrAlreadyExists
		}
	}
	clone := *p
	if clone.JoinedAt.IsZero() {
		clone.JoinedAt = time.Now()
	}
	p.JoinedAt = clone.JoinedAt
	m.s.participants[p.SessionID] = append(m.s.participants[p.SessionID], &clone)
	return nil
}

func (m *memoryParticipants) ListBySession(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	list := m.s.participants[sessionID]
	out := make([]*models.Participant, len(list))
	for i, p := range list {
		clone := *p
		out[i] = &clone
	}
	return out, nil
}

func (m *memoryParticipants) MarkLeft(ctx context.Context, sessionID, participantID string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	found := false
	for _, p := range m.s.participants[sessionID] {
		if p.ParticipantID == participantID && p.LeftAt == nil {
			left := at
			p.LeftAt = &left
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// --- MessageStore ---

type memoryMessages struct{ s *memoryState }

func (m *memoryMessages) Append(ctx context.Context, msg *models.Message) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.Metadata = cloneMap(msg.Metadata)
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	m.s.messages[clone.SessionID] = append(m.s.messages[clone.SessionID], &clone)
	return nil
}

func (m *memoryMessages) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	list := m.s.messages[sessionID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*models.Message, len(list))
	for i, msg := range list {
		clone := *msg
		clone.Metadata = cloneMap(msg.Metadata)
		out[i] = &clone
	}
	return out, nil
}

// --- EventStore ---

type memoryEvents struct{ s *memoryState }

func (m *memoryEvents) Append(ctx context.Context, event *models.Event) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	clone := *event
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.OccurredAt.IsZero() {
		clone.OccurredAt = time.Now()
	}
	clone.Payload = cloneMap(event.Payload)
	event.ID = clone.ID
	event.OccurredAt = clone.OccurredAt
	key := string(clone.SubjectKind) + ":" + clone.SubjectID
	m.s.events[key] = append(m.s.events[key], &clone)
	return nil
}

func (m *memoryEvents) ListBySubject(ctx context.Context, kind models.SubjectKind, subjectID string, limit int) ([]*models.Event, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	list := m.s.events[string(kind)+":"+subjectID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*models.Event, len(list))
	for i, event := range list {
		clone := *event
		clone.Payload = cloneMap(event.Payload)
		out[i] = &clone
	}
	return out, nil
}

// --- AgentStore ---

type memoryAgents struct{ s *memoryState }

func (m *memoryAgents) Create(ctx context.Context, agent *models.Agent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	clone := cloneAgent(agent)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.s.agents[clone.ID]; exists {
		return ErrAlreadyExists
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.Status == "" {
		clone.Status = models.AgentIdle
	}
	agent.ID = clone.ID
	agent.CreatedAt = clone.CreatedAt
	agent.UpdatedAt = clone.UpdatedAt
	agent.Status = clone.Status
	m.s.agents[clone.ID] = clone
	return nil
}

func (m *memoryAgents) Get(ctx context.Context, id string) (*models.Agent, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	agent, ok := m.s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

func (m *memoryAgents) Update(ctx context.Context, agent *models.Agent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	existing, ok := m.s.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneAgent(agent)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.s.agents[clone.ID] = clone
	agent.UpdatedAt = clone.UpdatedAt
	return nil
}

// --- TaskStore ---

type memoryTasks struct{ s *memoryState }

func (m *memoryTasks) Create(ctx context.Context, task *models.Task) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	clone := cloneTask(task)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.s.tasks[clone.ID]; exists {
		return ErrAlreadyExists
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.Status == "" {
		clone.Status = models.TaskPending
	}
	task.ID = clone.ID
	task.CreatedAt = clone.CreatedAt
	task.Status = clone.Status
	m.s.tasks[clone.ID] = clone
	return nil
}

func (m *memoryTasks) Get(ctx context.Context, id string) (*models.Task, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	task, ok := m.s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (m *memoryTasks) Update(ctx context.Context, task *models.Task) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	existing, ok := m.s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneTask(task)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.s.tasks[clone.ID] = clone
	task.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *memoryTasks) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Task, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	var out []*models.Task
	for _, task := range m.s.tasks {
		if task.AgentID == agentID {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- PromptStore ---

type memoryPrompts struct{ s *memoryState }

func (m *memoryPrompts) GetRoleConfig(ctx context.Context, role string) ([]byte, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	config, ok := m.s.promptConfig[role]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), config...), nil
}

func (m *memoryPrompts) PutRoleConfig(ctx context.Context, role string, config []byte) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.promptConfig[role] = append([]byte(nil), config...)
	return nil
}

func (m *memoryPrompts) AppendRecord(ctx context.Context, record *models.PromptRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	clone := *record
	if clone.RecordedAt.IsZero() {
		clone.RecordedAt = time.Now()
	}
	record.RecordedAt = clone.RecordedAt
	m.s.promptHist[clone.Role] = append(m.s.promptHist[clone.Role], &clone)
	return nil
}

func (m *memoryPrompts) ListRecords(ctx context.Context, role string, limit int) ([]*models.PromptRecord, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	list := m.s.promptHist[role]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*models.PromptRecord, len(list))
	for i, record := range list {
		clone := *record
		out[i] = &clone
	}
	return out, nil
}

// --- clone helpers ---

func cloneSession(s *models.Session) *models.Session {
	clone := *s
	clone.Context = cloneMap(s.Context)
	clone.State = cloneMap(s.State)
	clone.Metadata = cloneMap(s.Metadata)
	clone.StartedAt = cloneTime(s.StartedAt)
	clone.EndedAt = cloneTime(s.EndedAt)
	clone.RetiredAt = cloneTime(s.RetiredAt)
	return &clone
}

func cloneAgent(a *models.Agent) *models.Agent {
	clone := *a
	clone.Capabilities = append([]string(nil), a.Capabilities...)
	clone.Config = cloneMap(a.Config)
	clone.State = cloneMap(a.State)
	return &clone
}

func cloneTask(t *models.Task) *models.Task {
	clone := *t
	clone.Context = cloneMap(t.Context)
	clone.Result = cloneMap(t.Result)
	return &clone
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

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
