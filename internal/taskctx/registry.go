package taskctx

import (
	"errors"
	"sync"
)

// Registry errors.
var (
	ErrTaskExists   = errors.New("task context already exists")
	ErrTaskNotFound = errors.New("task context not found")
)

// Registry is a lock-protected map of logical task id to TaskContext. Each
// hop (gateway or proxy) owns its own registry.
type Registry struct {
	mu       sync.Mutex
	contexts map[string]*TaskContext
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]*TaskContext)}
}

// Create inserts a context. Fails if the id is already present.
func (r *Registry) Create(ctx *TaskContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[ctx.LogicalTaskID]; ok {
		return ErrTaskExists
	}
	r.contexts[ctx.LogicalTaskID] = ctx
	return nil
}

// Get returns the context for an id, or nil if absent.
func (r *Registry) Get(id string) *TaskContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contexts[id]
}

// Remove deletes the context for an id. Returns the removed context, or nil.
func (r *Registry) Remove(id string) *TaskContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := r.contexts[id]
	delete(r.contexts, id)
	return ctx
}

// ForEach invokes action for every context. Used for shutdown/broadcast
// cancellation; action must not call back into the registry.
func (r *Registry) ForEach(action func(ctx *TaskContext)) {
	r.mu.Lock()
	snapshot := make([]*TaskContext, 0, len(r.contexts))
	for _, ctx := range r.contexts {
		snapshot = append(snapshot, ctx)
	}
	r.mu.Unlock()

	for _, ctx := range snapshot {
		action(ctx)
	}
}

// Len returns the number of active contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
