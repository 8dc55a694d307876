// Package taskctx holds the per-task mutable state shared by the gateway and
// proxy hops: correlation ids, reply topics, cancellation, produced artifacts,
// and activated skills.
package taskctx

import (
	"sync"
	"time"
)

// CancellationToken is a set-once observable flag. It is self-contained so a
// task can hold it without referring back to its registry.
type CancellationToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancellationToken creates an unset token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel sets the token. Subsequent calls are no-ops.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// IsCancelled reports whether the token has been set.
func (t *CancellationToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is set, for select loops.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}

// ArtifactRef identifies one produced artifact by filename and version.
type ArtifactRef struct {
	Filename string
	Version  int
}

// UserIdentity is the resolved identity of the requesting user.
type UserIdentity struct {
	ID     string
	Name   string
	Email  string
	Source string
}

// TaskContext is the per-task record created on first accept of a request and
// destroyed when the final response is emitted, cancellation completes, or a
// hard timeout fires.
type TaskContext struct {
	LogicalTaskID    string
	JSONRPCRequestID any
	StatusTopic      string
	ReplyToTopic     string
	ClientID         string // only set for interactive tasks
	UserIdentity     UserIdentity
	SessionID        string
	AppName          string // artifact namespace
	StartTime        time.Time
	Cancellation     *CancellationToken

	mu                sync.Mutex
	producedArtifacts []ArtifactRef
	activatedSkills   map[string]bool
	compaction        *CompactionState
}

// CompactionState records the progressive-summarization state of a session's
// conversation within this task.
type CompactionState struct {
	Summary     string
	Compactions int
	LastTokens  int
}

// New creates a context for the given task id with an unset cancellation token.
func New(logicalTaskID string) *TaskContext {
	return &TaskContext{
		LogicalTaskID:   logicalTaskID,
		StartTime:       time.Now().UTC(),
		Cancellation:    NewCancellationToken(),
		activatedSkills: make(map[string]bool),
	}
}

// AddProducedArtifact appends one entry to the produced-artifact manifest.
func (c *TaskContext) AddProducedArtifact(filename string, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producedArtifacts = append(c.producedArtifacts, ArtifactRef{Filename: filename, Version: version})
}

// ProducedArtifacts returns a snapshot of the manifest.
func (c *TaskContext) ProducedArtifacts() []ArtifactRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ArtifactRef, len(c.producedArtifacts))
	copy(out, c.producedArtifacts)
	return out
}

// ActivateSkill marks a skill active for this task. Returns false when the
// skill was already active.
func (c *TaskContext) ActivateSkill(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activatedSkills[name] {
		return false
	}
	c.activatedSkills[name] = true
	return true
}

// ActivatedSkills returns the names of skills activated in this task.
func (c *TaskContext) ActivatedSkills() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.activatedSkills))
	for name := range c.activatedSkills {
		out = append(out, name)
	}
	return out
}

// SetCompaction stores the session-compaction state.
func (c *TaskContext) SetCompaction(state *CompactionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compaction = state
}

// Compaction returns the session-compaction state, or nil.
func (c *TaskContext) Compaction() *CompactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compaction
}

// IsBackground reports whether the task runs without an interactive client:
// either background execution was requested in metadata, or a reply topic is
// set with no client attached.
func (c *TaskContext) IsBackground(metadata map[string]any) bool {
	if enabled, ok := metadata["backgroundExecutionEnabled"].(bool); ok && enabled {
		return true
	}
	return c.ReplyToTopic != "" && c.ClientID == ""
}
