package agent

import (
	"sync"

	"github.com/agentmesh/agentmesh/internal/taskctx"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Session accumulates one conversation's history across tasks sharing a
// context id, together with its compaction state.
type Session struct {
	ContextID string

	mu         sync.Mutex
	history    []a2a.Message
	compaction *taskctx.CompactionState
}

// Append adds a message to the history.
func (s *Session) Append(m a2a.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
}

// History returns a snapshot of the conversation.
func (s *Session) History() []a2a.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]a2a.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Replace swaps the history and compaction state atomically, used after a
// compaction pass.
func (s *Session) Replace(history []a2a.Message, state *taskctx.CompactionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
	s.compaction = state
}

// Compaction returns the session's compaction state, or nil.
func (s *Session) Compaction() *taskctx.CompactionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compaction
}

// SessionStore holds the in-memory sessions of a running agent, keyed by
// context id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Get returns the session for a context id, creating it on first use.
func (s *SessionStore) Get(contextID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[contextID]
	if !ok {
		session = &Session{ContextID: contextID}
		s.sessions[contextID] = session
	}
	return session
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
