package eventbuffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

const insertRetries = 3

// taskState is the per-task RAM side of the hybrid buffer.
type taskState struct {
	meta    TaskMetadata
	pending []Event
	nextSeq int64
}

// Buffer is the persistent SSE event buffer.
//
// In hybrid mode writers append to a per-task RAM slice; the slice is
// drained into a bounded async queue when it reaches the flush threshold or
// when FlushTaskBuffer is called. A writer worker batches queued events into
// transactions. In direct mode every event is written straight through.
//
// Persistence failures never propagate into the event-producer path; they
// are logged and retried by the worker.
type Buffer struct {
	store  *Store
	cfg    config.BufferConfig
	logger *logger.Logger

	mu    sync.Mutex
	tasks map[string]*taskState

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates a buffer over the store. Call Start before buffering events.
func New(store *Store, cfg config.BufferConfig, log *logger.Logger) *Buffer {
	return &Buffer{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("eventbuffer"),
		tasks:  make(map[string]*taskState),
		queue:  make(chan Event, cfg.QueueSize),
	}
}

// Start launches the async writer worker and the cleanup schedule.
func (b *Buffer) Start(ctx context.Context) error {
	if err := b.store.EnsureSchema(ctx); err != nil {
		return err
	}
	b.done = make(chan struct{})
	if b.cfg.Hybrid {
		b.wg.Add(1)
		go b.writeLoop()
	}
	if b.cfg.CleanupHours > 0 {
		b.wg.Add(1)
		go b.cleanupLoop()
	}
	return nil
}

// Stop flushes all pending events and waits for the workers to exit.
func (b *Buffer) Stop() {
	if b.done == nil {
		return
	}
	b.mu.Lock()
	var remaining []Event
	for _, state := range b.tasks {
		remaining = append(remaining, state.pending...)
		state.pending = nil
	}
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	// Drain whatever the worker left in the queue, plus the RAM tails.
	for {
		select {
		case ev := <-b.queue:
			remaining = append(remaining, ev)
			continue
		default:
		}
		break
	}
	if len(remaining) > 0 {
		b.persistBatch(context.Background(), remaining)
	}
}

// SetTaskMetadata registers the authorization record for a task. Required
// before the first BufferEvent for that task.
func (b *Buffer) SetTaskMetadata(ctx context.Context, taskID, sessionID, userID string) error {
	meta := TaskMetadata{
		TaskID:    taskID,
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.UpsertTaskMetadata(ctx, meta); err != nil {
		return err
	}
	b.mu.Lock()
	state := b.tasks[taskID]
	if state == nil {
		state = &taskState{}
		b.tasks[taskID] = state
	}
	state.meta = meta
	b.mu.Unlock()
	return nil
}

// BufferEvent records one event for a task. Returns false if the buffer is
// disabled or no metadata is available for the task from cache or database.
// seqHint, when positive and ahead of the counter, pins the assigned
// sequence number.
func (b *Buffer) BufferEvent(ctx context.Context, taskID, eventType, payload string, seqHint int64) bool {
	if !b.cfg.Enabled {
		return false
	}

	state, ok := b.taskStateFor(ctx, taskID)
	if !ok {
		b.logger.Warn("Rejecting event for task without metadata",
			zap.String("task_id", taskID),
			zap.String("event_type", eventType))
		return false
	}

	b.mu.Lock()
	if seqHint > state.nextSeq {
		state.nextSeq = seqHint
	} else {
		state.nextSeq++
	}
	ev := Event{
		TaskID:    taskID,
		Sequence:  state.nextSeq,
		SessionID: state.meta.SessionID,
		UserID:    state.meta.UserID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	if b.cfg.Hybrid {
		state.pending = append(state.pending, ev)
		shouldFlush := len(state.pending) >= b.cfg.FlushThreshold
		b.mu.Unlock()
		if shouldFlush {
			b.FlushTaskBuffer(taskID)
		}
		return true
	}
	b.mu.Unlock()

	if err := b.store.InsertEvents(ctx, []Event{ev}); err != nil {
		b.logger.Error("Failed to persist event", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return true
}

// taskStateFor returns the cached state for a task, falling back to the
// persistent task table when the cache is cold. The sequence counter is
// resumed from the highest stored sequence.
func (b *Buffer) taskStateFor(ctx context.Context, taskID string) (*taskState, bool) {
	b.mu.Lock()
	if state, ok := b.tasks[taskID]; ok {
		b.mu.Unlock()
		return state, true
	}
	b.mu.Unlock()

	meta, found, err := b.store.GetTaskMetadata(ctx, taskID)
	if err != nil {
		b.logger.Error("Failed to load task metadata", zap.String("task_id", taskID), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	maxSeq, err := b.store.MaxSequence(ctx, taskID)
	if err != nil {
		b.logger.Error("Failed to resume sequence counter", zap.String("task_id", taskID), zap.Error(err))
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.tasks[taskID]; ok {
		return state, true
	}
	state := &taskState{meta: meta, nextSeq: maxSeq}
	b.tasks[taskID] = state
	return state, true
}

// LastSequence returns the highest sequence assigned for a task, resumed
// from the store when the cache is cold. Zero for unknown tasks.
func (b *Buffer) LastSequence(ctx context.Context, taskID string) int64 {
	state, ok := b.taskStateFor(ctx, taskID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return state.nextSeq
}

// FlushTaskBuffer moves a task's RAM slice into the async write queue.
// Events that do not fit in the queue are re-inserted at the head of the
// slice in their original order. Returns the number of events enqueued.
// No-op outside hybrid mode.
func (b *Buffer) FlushTaskBuffer(taskID string) int {
	if !b.cfg.Hybrid {
		return 0
	}

	b.mu.Lock()
	state := b.tasks[taskID]
	if state == nil || len(state.pending) == 0 {
		b.mu.Unlock()
		return 0
	}
	batch := state.pending
	state.pending = nil
	b.mu.Unlock()

	enqueued := 0
	for i, ev := range batch {
		select {
		case b.queue <- ev:
			enqueued++
		default:
			// Queue full: put the untaken tail back at the head so retry
			// keeps FIFO order.
			b.mu.Lock()
			state.pending = append(batch[i:], state.pending...)
			b.mu.Unlock()
			b.logger.Warn("Event write queue full, re-buffered tail",
				zap.String("task_id", taskID),
				zap.Int("requeued", len(batch)-i))
			return enqueued
		}
	}
	return enqueued
}

// drainTaskSync persists a task's RAM slice immediately, bypassing the async
// queue. Reads use this so a query reflects every buffered event.
func (b *Buffer) drainTaskSync(ctx context.Context, taskID string) {
	if !b.cfg.Hybrid {
		return
	}
	b.mu.Lock()
	state := b.tasks[taskID]
	if state == nil || len(state.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := state.pending
	state.pending = nil
	b.mu.Unlock()

	if err := b.store.InsertEvents(ctx, batch); err != nil {
		b.logger.Error("Failed to drain task buffer", zap.String("task_id", taskID), zap.Error(err))
		b.mu.Lock()
		state.pending = append(batch, state.pending...)
		b.mu.Unlock()
	}
}

// GetBufferedEvents returns the task's events with sequence >= fromSequence.
// The caller's session/user pair must match the stored metadata; mismatches
// read as empty.
func (b *Buffer) GetBufferedEvents(ctx context.Context, taskID, sessionID, userID string, fromSequence int64) ([]Event, error) {
	b.drainTaskSync(ctx, taskID)
	if fromSequence < 1 {
		fromSequence = 1
	}
	return b.store.EventsFrom(ctx, taskID, sessionID, userID, fromSequence)
}

// HasUnconsumedEvents reports whether any event of the task has not yet
// passed the consumed watermark.
func (b *Buffer) HasUnconsumedEvents(ctx context.Context, taskID string) (bool, error) {
	if b.cfg.Hybrid {
		b.mu.Lock()
		state := b.tasks[taskID]
		pending := state != nil && len(state.pending) > 0
		b.mu.Unlock()
		if pending {
			return true, nil
		}
	}
	return b.store.HasUnconsumed(ctx, taskID)
}

// GetUnconsumedEventsForSession returns the unconsumed events of every task
// in a session, keyed by task id and ordered by sequence. Used to resume
// multiple tasks on a fresh SSE connection.
func (b *Buffer) GetUnconsumedEventsForSession(ctx context.Context, sessionID, userID string) (map[string][]Event, error) {
	if b.cfg.Hybrid {
		b.mu.Lock()
		var taskIDs []string
		for id, state := range b.tasks {
			if state.meta.SessionID == sessionID && len(state.pending) > 0 {
				taskIDs = append(taskIDs, id)
			}
		}
		b.mu.Unlock()
		for _, id := range taskIDs {
			b.drainTaskSync(ctx, id)
		}
	}

	events, err := b.store.UnconsumedForSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Event)
	for _, ev := range events {
		out[ev.TaskID] = append(out[ev.TaskID], ev)
	}
	return out, nil
}

// MarkEventsConsumed advances the consumed watermark for a task.
func (b *Buffer) MarkEventsConsumed(ctx context.Context, taskID string, upToSequence int64) error {
	return b.store.MarkConsumed(ctx, taskID, upToSequence)
}

// DeleteEventsForTask clears the task's RAM slice and cached metadata and
// deletes its database rows. Returns the number of deleted rows.
func (b *Buffer) DeleteEventsForTask(ctx context.Context, taskID string) (int64, error) {
	b.mu.Lock()
	delete(b.tasks, taskID)
	b.mu.Unlock()
	return b.store.DeleteTask(ctx, taskID)
}

// CleanupOldEvents deletes consumed events older than the retention window.
func (b *Buffer) CleanupOldEvents(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	return b.store.DeleteConsumedBefore(ctx, cutoff)
}

// writeLoop batches queued events and persists them in transactions. A batch
// closes when it reaches the configured size or the batch timeout elapses.
func (b *Buffer) writeLoop() {
	defer b.wg.Done()

	timeout := time.Duration(b.cfg.BatchTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	batch := make([]Event, 0, b.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.persistBatch(context.Background(), batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-b.done:
			flush()
			return
		case ev := <-b.queue:
			batch = append(batch, ev)
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// persistBatch writes a batch with bounded retries. Failures never reach the
// event producers.
func (b *Buffer) persistBatch(ctx context.Context, batch []Event) {
	var err error
	for attempt := 1; attempt <= insertRetries; attempt++ {
		if err = b.store.InsertEvents(ctx, batch); err == nil {
			return
		}
		b.logger.Warn("Event batch insert failed",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	b.logger.Error("Dropping event batch after retries",
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// cleanupLoop deletes consumed events past the retention window on a fixed
// schedule.
func (b *Buffer) cleanupLoop() {
	defer b.wg.Done()

	interval := time.Duration(b.cfg.CleanupHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			count, err := b.CleanupOldEvents(context.Background(), b.cfg.RetentionDays)
			if err != nil {
				b.logger.Error("Event cleanup failed", zap.Error(err))
				continue
			}
			if count > 0 {
				b.logger.Info("Cleaned up consumed events", zap.Int64("deleted", count))
			}
		}
	}
}
