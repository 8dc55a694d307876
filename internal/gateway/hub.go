package gateway

import (
	"sync"
)

// StreamEvent is one event delivered to live SSE subscribers.
type StreamEvent struct {
	TaskID   string
	Sequence int64
	Type     string
	Data     []byte
}

// subscriber is one live SSE connection's delivery channel. Slow consumers
// drop live events; the event buffer guarantees they can be replayed.
type subscriber struct {
	ch chan StreamEvent
}

// Hub fans task events out to live SSE connections, keyed by task id.
type Hub struct {
	mu    sync.Mutex
	tasks map[string]map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{tasks: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a live listener for a task. The returned cancel
// function must be called when the connection closes.
func (h *Hub) Subscribe(taskID string, buffer int) (<-chan StreamEvent, func()) {
	sub := &subscriber{ch: make(chan StreamEvent, buffer)}

	h.mu.Lock()
	subs := h.tasks[taskID]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		h.tasks[taskID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.tasks[taskID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.tasks, taskID)
			}
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to every live subscriber of its task. Full
// subscriber channels are skipped; the buffer replay covers the gap.
func (h *Hub) Publish(event StreamEvent) {
	h.mu.Lock()
	subs := h.tasks[event.TaskID]
	targets := make([]*subscriber, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribers returns the live listener count for a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks[taskID])
}
