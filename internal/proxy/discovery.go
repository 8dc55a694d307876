package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// discoverAll runs one discovery pass over every configured agent. Failures
// are logged per agent; one unreachable agent does not block the rest.
func (p *Proxy) discoverAll(ctx context.Context) {
	for _, agent := range p.cfg.Agents {
		if err := p.discoverOne(ctx, agent); err != nil {
			p.logger.Warn("Agent discovery failed",
				zap.String("alias", agent.Alias),
				zap.String("card_url", agent.CardURL),
				zap.Error(err))
		}
	}
}

// discoverOne fetches a downstream agent's card, renames it to the
// configured alias, points its URL at the per-agent request topic, and
// publishes it on the discovery topic.
func (p *Proxy) discoverOne(ctx context.Context, agent config.ProxiedAgent) error {
	card, err := p.fetchCard(ctx, agent)
	if err != nil {
		return err
	}

	// The mesh-facing identity is the alias, independent of the remote's
	// internal name. The downstream endpoint is kept aside for forwarding
	// before the published card's URL is pointed at the mesh.
	endpoint := card.URL
	card.Name = agent.Alias
	card.URL = a2a.MeshURL(a2a.AgentRequestTopic(p.namespace, agent.Alias))

	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("failed to marshal agent card: %w", err)
	}
	if err := p.bus.Publish(ctx, mesh.NewMessage(a2a.DiscoveryTopic(p.namespace), payload, nil)); err != nil {
		return fmt.Errorf("failed to publish agent card: %w", err)
	}

	p.mu.Lock()
	p.cards[agent.Alias] = card
	if endpoint != "" {
		p.endpoints[agent.Alias] = endpoint
	}
	p.mu.Unlock()

	p.logger.Debug("Agent discovered", zap.String("alias", agent.Alias))
	return nil
}

func (p *Proxy) fetchCard(ctx context.Context, agent config.ProxiedAgent) (*a2a.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.CardURL, nil)
	if err != nil {
		return nil, err
	}
	if agent.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+agent.BearerToken)
	}

	resp, err := p.discoveryHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("card fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("card fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read card: %w", err)
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("invalid agent card: %w", err)
	}
	if card.Name == "" {
		return nil, fmt.Errorf("agent card missing name")
	}
	return &card, nil
}

// Card returns the discovered card for an alias, or nil.
func (p *Proxy) Card(alias string) *a2a.AgentCard {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cards[alias]
}
