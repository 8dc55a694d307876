package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// registeredAgent is one discovered agent plus the time its card was last
// refreshed.
type registeredAgent struct {
	Card     a2a.AgentCard `json:"card"`
	LastSeen time.Time     `json:"last_seen"`
}

// AgentRegistry tracks agents seen on the discovery topic. Cards that are
// not refreshed within the TTL are evicted.
type AgentRegistry struct {
	ttl    time.Duration
	logger *logger.Logger

	mu     sync.Mutex
	agents map[string]registeredAgent

	sub  mesh.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// NewAgentRegistry creates a registry with the given eviction TTL.
func NewAgentRegistry(ttl time.Duration, log *logger.Logger) *AgentRegistry {
	return &AgentRegistry{
		ttl:    ttl,
		logger: log.WithComponent("agent-registry"),
		agents: make(map[string]registeredAgent),
	}
}

// Start subscribes to the discovery topic and begins TTL eviction.
func (r *AgentRegistry) Start(bus mesh.Bus, namespace string) error {
	sub, err := bus.Subscribe(a2a.DiscoveryTopic(namespace), r.handleCard)
	if err != nil {
		return err
	}
	r.sub = sub
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.evictLoop()
	return nil
}

// Stop unsubscribes and stops eviction.
func (r *AgentRegistry) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.done != nil {
		close(r.done)
	}
	r.wg.Wait()
}

func (r *AgentRegistry) handleCard(ctx context.Context, msg *mesh.Message) error {
	var card a2a.AgentCard
	if err := json.Unmarshal(msg.Payload, &card); err != nil {
		r.logger.Warn("Ignoring malformed agent card", zap.Error(err))
		return nil
	}
	if card.Name == "" {
		return nil
	}

	r.mu.Lock()
	_, known := r.agents[card.Name]
	r.agents[card.Name] = registeredAgent{Card: card, LastSeen: time.Now()}
	r.mu.Unlock()

	if !known {
		r.logger.Info("Agent registered", zap.String("agent", card.Name))
	}
	return nil
}

func (r *AgentRegistry) evictLoop() {
	defer r.wg.Done()
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *AgentRegistry) evictStale() {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, agent := range r.agents {
		if agent.LastSeen.Before(cutoff) {
			delete(r.agents, name)
			r.logger.Info("Agent evicted after TTL", zap.String("agent", name))
		}
	}
}

// Get returns the card for an agent name.
func (r *AgentRegistry) Get(name string) (a2a.AgentCard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[name]
	return agent.Card, ok
}

// List returns all live agents sorted by name.
func (r *AgentRegistry) List() []a2a.AgentCard {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]a2a.AgentCard, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.Card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
