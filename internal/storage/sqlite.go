package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/conduit-ai/conduit/pkg/models"
)

// SQLiteConfig holds configuration for the SQLite-backed store set.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	context TEXT,
	state TEXT,
	metadata TEXT,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	retired_at TIMESTAMP,
	version INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS participants (
	session_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	role TEXT NOT NULL,
	joined_at TIMESTAMP NOT NULL,
	left_at TIMESTAMP,
	PRIMARY KEY (session_id, participant_id, role)
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	subject_kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject_kind, subject_id, occurred_at);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	capabilities TEXT,
	config TEXT,
	state TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	type TEXT NOT NULL,
	description TEXT,
	context TEXT,
	progress INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	parent_id TEXT,
	result TEXT,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, created_at);
CREATE TABLE IF NOT EXISTS prompt_configs (
	role TEXT PRIMARY KEY,
	config BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS prompt_records (
	role TEXT NOT NULL,
	output TEXT NOT NULL,
	score REAL NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompt_records_role ON prompt_records(role, recorded_at);
`

// NewSQLiteStores opens (creating if needed) a SQLite database and returns
// the store set backed by it.
func NewSQLiteStores(config SQLiteConfig) (*StoreSet, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &StoreSet{
		Sessions:     &sqliteSessions{db},
		Participants: &sqliteParticipants{db},
		Messages:     &sqliteMessages{db},
		Events:       &sqliteEvents{db},
		Agents:       &sqliteAgents{db},
		Tasks:        &sqliteTasks{db},
		Prompts:      &sqlitePrompts{db},
		closer:       db.Close,
	}, nil
}

// --- SessionStore ---

type sqliteSessions struct{ db *sql.DB }

func (s *sqliteSessions) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	session.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, type, status, context, state, metadata, started_at, ended_at, retired_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Type, session.Status,
		marshalMap(session.Context), marshalMap(session.State), marshalMap(session.Metadata),
		session.StartedAt, session.EndedAt, session.RetiredAt,
		session.Version, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *sqliteSessions) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, context, state, metadata, started_at, ended_at, retired_at, version, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *sqliteSessions) Update(ctx context.Context, session *models.Session) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, context = ?, state = ?, metadata = ?, started_at = ?, ended_at = ?, retired_at = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		session.Status, marshalMap(session.Context), marshalMap(session.State), marshalMap(session.Metadata),
		session.StartedAt, session.EndedAt, session.RetiredAt,
		now, session.ID, session.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a stale version.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, session.ID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return ErrVersionConflict
	}
	session.Version++
	session.UpdatedAt = now
	return nil
}

func (s *sqliteSessions) List(ctx context.Context, opts SessionListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, type, status, context, state, metadata, started_at, ended_at, retired_at, version, created_at, updated_at
		FROM sessions WHERE 1=1`
	args := []any{}
	if !opts.IncludeRetired {
		query += ` AND retired_at IS NULL`
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var contextJSON, stateJSON, metadataJSON sql.NullString
	err := row.Scan(
		&session.ID, &session.Type, &session.Status,
		&contextJSON, &stateJSON, &metadataJSON,
		&session.StartedAt, &session.EndedAt, &session.RetiredAt,
		&session.Version, &session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Context = unmarshalMap(contextJSON)
	session.State = unmarshalMap(stateJSON)
	session.Metadata = unmarshalMap(metadataJSON)
	return &session, nil
}

// --- ParticipantStore ---

type sqliteParticipants struct{ db *sql.DB }

func (s *sqliteParticipants) Add(ctx context.Context, p *models.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM participants WHERE session_id = ? AND participant_id = ? AND role = ?`,
		p.SessionID, p.ParticipantID, p.Role).Scan(&exists)
	if err == nil {
		return ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO participants (session_id, participant_id, kind, role, joined_at, left_at)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		p.SessionID, p.ParticipantID, p.Kind, p.Role, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *sqliteParticipants) ListBySession(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, participant_id, kind, role, joined_at, left_at
		FROM participants WHERE session_id = ? ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.SessionID, &p.ParticipantID, &p.Kind, &p.Role, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *sqliteParticipants) MarkLeft(ctx context.Context, sessionID, participantID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET left_at = ? WHERE session_id = ? AND participant_id = ? AND left_at IS NULL`,
		at, sessionID, participantID,
	)
	if err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- MessageStore ---

type sqliteMessages struct{ db *sql.DB }

func (s *sqliteMessages) Append(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_id, type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderID, msg.Type, msg.Content, marshalMap(msg.Metadata), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *sqliteMessages) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, sender_id, type, content, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at`
	args := []any{sessionID}
	if limit > 0 {
		// Take the most recent N while preserving chronological order.
		query = `SELECT * FROM (
			SELECT id, session_id, sender_id, type, content, metadata, created_at
			FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var metadataJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.Type, &msg.Content, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Metadata = unmarshalMap(metadataJSON)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// --- EventStore ---

type sqliteEvents struct{ db *sql.DB }

func (s *sqliteEvents) Append(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, subject_kind, subject_id, type, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.SubjectKind, event.SubjectID, event.Type, marshalMap(event.Payload), event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *sqliteEvents) ListBySubject(ctx context.Context, kind models.SubjectKind, subjectID string, limit int) ([]*models.Event, error) {
	query := `
		SELECT id, subject_kind, subject_id, type, payload, occurred_at
		FROM events WHERE subject_kind = ? AND subject_id = ? ORDER BY occurred_at`
	args := []any{kind, subjectID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, subject_kind, subject_id, type, payload, occurred_at
			FROM events WHERE subject_kind = ? AND subject_id = ? ORDER BY occurred_at DESC LIMIT ?
		) ORDER BY occurred_at`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var event models.Event
		var payloadJSON sql.NullString
		if err := rows.Scan(&event.ID, &event.SubjectKind, &event.SubjectID, &event.Type, &payloadJSON, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Payload = unmarshalMap(payloadJSON)
		out = append(out, &event)
	}
	return out, rows.Err()
}

// --- AgentStore ---

type sqliteAgents struct{ db *sql.DB }

func (s *sqliteAgents) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	agent.UpdatedAt = agent.CreatedAt
	if agent.Status == "" {
		agent.Status = models.AgentIdle
	}
	capabilities, _ := json.Marshal(agent.Capabilities)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, type, capabilities, config, state, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Type, string(capabilities), marshalMap(agent.Config), marshalMap(agent.State),
		agent.Status, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *sqliteAgents) Get(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	var capabilitiesJSON, configJSON, stateJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, capabilities, config, state, status, created_at, updated_at
		FROM agents WHERE id = ?`, id).Scan(
		&agent.ID, &agent.Type, &capabilitiesJSON, &configJSON, &stateJSON,
		&agent.Status, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if capabilitiesJSON.Valid {
		json.Unmarshal([]byte(capabilitiesJSON.String), &agent.Capabilities)
	}
	agent.Config = unmarshalMap(configJSON)
	agent.State = unmarshalMap(stateJSON)
	return &agent, nil
}

func (s *sqliteAgents) Update(ctx context.Context, agent *models.Agent) error {
	now := time.Now()
	capabilities, _ := json.Marshal(agent.Capabilities)
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET type = ?, capabilities = ?, config = ?, state = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		agent.Type, string(capabilities), marshalMap(agent.Config), marshalMap(agent.State),
		agent.Status, now, agent.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	agent.UpdatedAt = now
	return nil
}

// --- TaskStore ---

type sqliteTasks struct{ db *sql.DB }

func (s *sqliteTasks) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, agent_id, type, description, context, progress, status, parent_id, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AgentID, task.Type, task.Description, marshalMap(task.Context),
		task.Progress, task.Status, task.ParentID, marshalMap(task.Result), task.Error,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *sqliteTasks) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	var contextJSON, resultJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, type, description, context, progress, status, parent_id, result, error, created_at, updated_at
		FROM tasks WHERE id = ?`, id).Scan(
		&task.ID, &task.AgentID, &task.Type, &task.Description, &contextJSON,
		&task.Progress, &task.Status, &task.ParentID, &resultJSON, &task.Error,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Context = unmarshalMap(contextJSON)
	task.Result = unmarshalMap(resultJSON)
	return &task, nil
}

func (s *sqliteTasks) Update(ctx context.Context, task *models.Task) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET context = ?, progress = ?, status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		marshalMap(task.Context), task.Progress, task.Status, marshalMap(task.Result), task.Error, now, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	task.UpdatedAt = now
	return nil
}

func (s *sqliteTasks) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Task, error) {
	query := `
		SELECT id, agent_id, type, description, context, progress, status, parent_id, result, error, created_at, updated_at
		FROM tasks WHERE agent_id = ? ORDER BY created_at`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		var task models.Task
		var contextJSON, resultJSON sql.NullString
		if err := rows.Scan(
			&task.ID, &task.AgentID, &task.Type, &task.Description, &contextJSON,
			&task.Progress, &task.Status, &task.ParentID, &resultJSON, &task.Error,
			&task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Context = unmarshalMap(contextJSON)
		task.Result = unmarshalMap(resultJSON)
		out = append(out, &task)
	}
	return out, rows.Err()
}

// --- PromptStore ---

type sqlitePrompts struct{ db *sql.DB }

func (s *sqlitePrompts) GetRoleConfig(ctx context.Context, role string) ([]byte, error) {
	var config []byte
	err := s.db.QueryRowContext(ctx, `SELECT config FROM prompt_configs WHERE role = ?`, role).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt config: %w", err)
	}
	return config, nil
}

func (s *sqlitePrompts) PutRoleConfig(ctx context.Context, role string, config []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_configs (role, config) VALUES (?, ?)
		ON CONFLICT(role) DO UPDATE SET config = excluded.config`,
		role, config,
	)
	if err != nil {
		return fmt.Errorf("put prompt config: %w", err)
	}
	return nil
}

func (s *sqlitePrompts) AppendRecord(ctx context.Context, record *models.PromptRecord) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_records (role, output, score, recorded_at) VALUES (?, ?, ?, ?)`,
		record.Role, record.Output, record.Score, record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prompt record: %w", err)
	}
	return nil
}

func (s *sqlitePrompts) ListRecords(ctx context.Context, role string, limit int) ([]*models.PromptRecord, error) {
	query := `SELECT role, output, score, recorded_at FROM prompt_records WHERE role = ? ORDER BY recorded_at`
	args := []any{role}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT role, output, score, recorded_at FROM prompt_records
			WHERE role = ? ORDER BY recorded_at DESC LIMIT ?
		) ORDER BY recorded_at`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompt records: %w", err)
	}
	defer rows.Close()

	var out []*models.PromptRecord
	for rows.Next() {
		var record models.PromptRecord
		if err := rows.Scan(&record.Role, &record.Output, &record.Score, &record.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan prompt record: %w", err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

// --- JSON column helpers ---

func marshalMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}
