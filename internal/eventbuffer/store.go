// Package eventbuffer provides the persistent SSE event buffer: a hybrid
// RAM-plus-database store that keeps per-task event streams across client
// disconnects and process restarts, with async batched flushing and
// scheduled cleanup of consumed events.
package eventbuffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/internal/db"
)

// Event is one buffered SSE event. Sequence numbers are per task,
// monotonic, starting at 1.
type Event struct {
	TaskID     string     `db:"task_id" json:"task_id"`
	Sequence   int64      `db:"sequence" json:"sequence"`
	SessionID  string     `db:"session_id" json:"session_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	EventType  string     `db:"event_type" json:"event_type"`
	Payload    string     `db:"payload" json:"payload"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	ConsumedAt *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
}

// TaskMetadata authorizes reads of a task's buffered events. Every read is
// matched against the stored (session, user) pair.
type TaskMetadata struct {
	TaskID    string    `db:"task_id"`
	SessionID string    `db:"session_id"`
	UserID    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}

// Store persists buffered events and task metadata through the shared pool.
type Store struct {
	pool *db.Pool
}

// NewStore creates a store over the pool.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS buffered_tasks (
	task_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS buffered_events (
	task_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	consumed_at TIMESTAMP,
	PRIMARY KEY (task_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_buffered_events_session ON buffered_events(session_id);
CREATE INDEX IF NOT EXISTS idx_buffered_events_consumed ON buffered_events(consumed_at);
`

// EnsureSchema creates the buffer tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize event buffer schema: %w", err)
	}
	return nil
}

// UpsertTaskMetadata stores or refreshes the authorization record for a task.
func (s *Store) UpsertTaskMetadata(ctx context.Context, meta TaskMetadata) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO buffered_tasks (task_id, session_id, user_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET session_id = excluded.session_id, user_id = excluded.user_id`)
	if _, err := w.ExecContext(ctx, query, meta.TaskID, meta.SessionID, meta.UserID, meta.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert task metadata: %w", err)
	}
	return nil
}

// GetTaskMetadata loads the authorization record for a task. The second
// return is false when no record exists.
func (s *Store) GetTaskMetadata(ctx context.Context, taskID string) (TaskMetadata, bool, error) {
	r := s.pool.Reader()
	var meta TaskMetadata
	query := r.Rebind(`SELECT task_id, session_id, user_id, created_at FROM buffered_tasks WHERE task_id = ?`)
	err := r.GetContext(ctx, &meta, query, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskMetadata{}, false, nil
	}
	if err != nil {
		return TaskMetadata{}, false, fmt.Errorf("failed to load task metadata: %w", err)
	}
	return meta, true, nil
}

// InsertEvents persists a batch of events in a single transaction.
func (s *Store) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := w.Rebind(`
		INSERT INTO buffered_events (task_id, sequence, session_id, user_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, sequence) DO NOTHING`)
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, query,
			ev.TaskID, ev.Sequence, ev.SessionID, ev.UserID, ev.EventType, ev.Payload, ev.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert buffered event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// MaxSequence returns the highest stored sequence for a task, or 0 if none.
func (s *Store) MaxSequence(ctx context.Context, taskID string) (int64, error) {
	r := s.pool.Reader()
	var max sql.NullInt64
	query := r.Rebind(`SELECT MAX(sequence) FROM buffered_events WHERE task_id = ?`)
	if err := r.GetContext(ctx, &max, query, taskID); err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max.Int64, nil
}

// EventsFrom returns a task's events with sequence >= fromSequence, ordered
// by sequence. The session/user pair must match the stored rows; a mismatch
// reads as empty.
func (s *Store) EventsFrom(ctx context.Context, taskID, sessionID, userID string, fromSequence int64) ([]Event, error) {
	r := s.pool.Reader()
	var events []Event
	query := r.Rebind(`
		SELECT task_id, sequence, session_id, user_id, event_type, payload, created_at, consumed_at
		FROM buffered_events
		WHERE task_id = ? AND session_id = ? AND user_id = ? AND sequence >= ?
		ORDER BY sequence ASC`)
	if err := r.SelectContext(ctx, &events, query, taskID, sessionID, userID, fromSequence); err != nil {
		return nil, fmt.Errorf("failed to read buffered events: %w", err)
	}
	return events, nil
}

// HasUnconsumed reports whether any stored event of the task is past the
// consumed watermark.
func (s *Store) HasUnconsumed(ctx context.Context, taskID string) (bool, error) {
	r := s.pool.Reader()
	var count int
	query := r.Rebind(`SELECT COUNT(1) FROM buffered_events WHERE task_id = ? AND consumed_at IS NULL`)
	if err := r.GetContext(ctx, &count, query, taskID); err != nil {
		return false, fmt.Errorf("failed to check unconsumed events: %w", err)
	}
	return count > 0, nil
}

// UnconsumedForSession returns every unconsumed event belonging to a
// session/user pair, ordered by task then sequence.
func (s *Store) UnconsumedForSession(ctx context.Context, sessionID, userID string) ([]Event, error) {
	r := s.pool.Reader()
	var events []Event
	query := r.Rebind(`
		SELECT task_id, sequence, session_id, user_id, event_type, payload, created_at, consumed_at
		FROM buffered_events
		WHERE session_id = ? AND user_id = ? AND consumed_at IS NULL
		ORDER BY task_id ASC, sequence ASC`)
	if err := r.SelectContext(ctx, &events, query, sessionID, userID); err != nil {
		return nil, fmt.Errorf("failed to read session events: %w", err)
	}
	return events, nil
}

// MarkConsumed advances the consumed watermark for a task.
func (s *Store) MarkConsumed(ctx context.Context, taskID string, upToSequence int64) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE buffered_events SET consumed_at = ?
		WHERE task_id = ? AND sequence <= ? AND consumed_at IS NULL`)
	if _, err := w.ExecContext(ctx, query, time.Now().UTC(), taskID, upToSequence); err != nil {
		return fmt.Errorf("failed to mark events consumed: %w", err)
	}
	return nil
}

// DeleteTask removes a task's events and metadata. Returns the number of
// deleted events.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (int64, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM buffered_events WHERE task_id = ?`), taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete buffered events: %w", err)
	}
	count, _ := res.RowsAffected()
	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM buffered_tasks WHERE task_id = ?`), taskID); err != nil {
		return count, fmt.Errorf("failed to delete task metadata: %w", err)
	}
	return count, nil
}

// DeleteConsumedBefore removes consumed events created before the cutoff.
func (s *Store) DeleteConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`DELETE FROM buffered_events WHERE consumed_at IS NOT NULL AND created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up consumed events: %w", err)
	}
	count, _ := res.RowsAffected()
	return count, nil
}
