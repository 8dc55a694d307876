package mesh

import (
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// ProvidedBus wraps the active mesh implementation.
type ProvidedBus struct {
	Bus    Bus
	Memory *MemoryBus
	NATS   *NATSBus
}

// Provide builds the configured mesh bus implementation. An empty mesh URL
// selects the in-memory bus.
func Provide(cfg config.MeshConfig, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := NewNATSBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize mesh bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := NewMemoryBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}
