package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/internal/db"
)

// ErrSessionNotFound is returned when a session id has no record.
var ErrSessionNotFound = errors.New("session not found")

// ErrTaskNotFound is returned when a task id has no record.
var ErrTaskNotFound = errors.New("task not found")

// SessionRecord is one conversation owned by a user.
type SessionRecord struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastActivity time.Time `db:"last_activity" json:"last_activity"`
}

// TaskRecord is the persisted trace of one task: target agent, final state,
// and the original request text.
type TaskRecord struct {
	TaskID    string    `db:"task_id" json:"task_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Agent     string    `db:"agent" json:"agent"`
	State     string    `db:"state" json:"state"`
	Request   string    `db:"request" json:"request,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SessionStore persists sessions and task traces through the shared pool.
type SessionStore struct {
	pool *db.Pool
}

// NewSessionStore creates a store over the pool.
func NewSessionStore(pool *db.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	state TEXT NOT NULL,
	request TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
`

// EnsureSchema creates the session tables if they do not exist.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, sessionSchema); err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

// TouchSession creates the session on first use and refreshes its activity
// timestamp.
func (s *SessionStore) TouchSession(ctx context.Context, sessionID, userID string) error {
	now := time.Now().UTC()
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO sessions (id, user_id, created_at, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET last_activity = excluded.last_activity`)
	if _, err := w.ExecContext(ctx, query, sessionID, userID, now, now); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	r := s.pool.Reader()
	var record SessionRecord
	query := r.Rebind(`SELECT id, user_id, created_at, last_activity FROM sessions WHERE id = ?`)
	err := r.GetContext(ctx, &record, query, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to load session: %w", err)
	}
	return record, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *SessionStore) ListSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	r := s.pool.Reader()
	var records []SessionRecord
	query := r.Rebind(`
		SELECT id, user_id, created_at, last_activity FROM sessions
		WHERE user_id = ? ORDER BY last_activity DESC`)
	if err := r.SelectContext(ctx, &records, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return records, nil
}

// CreateTask records a submitted task.
func (s *SessionStore) CreateTask(ctx context.Context, record TaskRecord) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO tasks (task_id, session_id, user_id, agent, state, request, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := w.ExecContext(ctx, query,
		record.TaskID, record.SessionID, record.UserID, record.Agent,
		record.State, record.Request, record.CreatedAt, record.UpdatedAt); err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	return nil
}

// UpdateTaskState advances a task's recorded state.
func (s *SessionStore) UpdateTaskState(ctx context.Context, taskID, state string) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE tasks SET state = ?, updated_at = ? WHERE task_id = ?`)
	if _, err := w.ExecContext(ctx, query, state, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	return nil
}

// GetTask loads one task trace.
func (s *SessionStore) GetTask(ctx context.Context, taskID string) (TaskRecord, error) {
	r := s.pool.Reader()
	var record TaskRecord
	query := r.Rebind(`
		SELECT task_id, session_id, user_id, agent, state, request, created_at, updated_at
		FROM tasks WHERE task_id = ?`)
	err := r.GetContext(ctx, &record, query, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("failed to load task: %w", err)
	}
	return record, nil
}

// ListSessionTasks returns the tasks of a session in submission order.
func (s *SessionStore) ListSessionTasks(ctx context.Context, sessionID string) ([]TaskRecord, error) {
	r := s.pool.Reader()
	var records []TaskRecord
	query := r.Rebind(`
		SELECT task_id, session_id, user_id, agent, state, request, created_at, updated_at
		FROM tasks WHERE session_id = ? ORDER BY created_at ASC`)
	if err := r.SelectContext(ctx, &records, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list session tasks: %w", err)
	}
	return records, nil
}
