// Package main runs the agent runtime harness with a scripted model,
// useful for exercising the mesh end to end without a provider account.
// Real deployments supply an agent.LLM backed by a provider SDK.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/skills"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agent",
		zap.String("namespace", cfg.Namespace),
		zap.String("agent", cfg.Agent.Name))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, closeMesh, err := mesh.Provide(cfg.Mesh, log)
	if err != nil {
		log.Fatal("Failed to connect to mesh", zap.Error(err))
	}
	defer closeMesh()

	catalog := skills.Scan(cfg.Skills, log)

	harness, err := agent.New(cfg.Agent, cfg.Namespace, provided.Bus, &scriptedLLM{}, catalog, log)
	if err != nil {
		log.Fatal("Failed to build agent harness", zap.Error(err))
	}
	if err := harness.Start(ctx); err != nil {
		log.Fatal("Failed to start agent harness", zap.Error(err))
	}

	<-ctx.Done()
	log.Info("Shutting down agent")
	harness.Stop()
	log.Info("Agent stopped")
}

// scriptedLLM is a stand-in model: it echoes the last user message and
// activates a skill when asked to with "use skill <name>".
type scriptedLLM struct{}

func (s *scriptedLLM) Complete(_ context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
	last := lastUserText(req.Messages)

	if name, ok := strings.CutPrefix(strings.TrimSpace(last), "use skill "); ok && !skillActivated(req.Messages, name) {
		return &agent.Completion{
			ToolCalls: []agent.ToolCall{{
				Name:      skills.ActivateToolName,
				Arguments: map[string]any{"skill_name": strings.TrimSpace(name)},
			}},
		}, nil
	}

	reply := a2a.NewMessage(a2a.RoleModel, []a2a.Part{
		a2a.TextPart("Echo: " + last),
	})
	return &agent.Completion{Message: reply}, nil
}

func lastUserText(messages []a2a.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == a2a.RoleUser {
			return messages[i].TextContent()
		}
	}
	return ""
}

// skillActivated reports whether a prior tool-result message already
// activated the named skill, so the scripted model does not loop.
func skillActivated(messages []a2a.Message, name string) bool {
	name = strings.TrimSpace(name)
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.Kind != a2a.PartKindData {
				continue
			}
			if skill, ok := part.Data["skill"].(string); ok && skill == name {
				return true
			}
		}
	}
	return false
}
