// Package main runs the proxy component: it fronts downstream HTTP agents,
// republishing their agent cards onto the mesh and forwarding mesh requests
// to their A2A endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/artifacts"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/proxy"
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

	if len(cfg.Proxy.Agents) == 0 {
		log.Fatal("No proxied agents configured")
	}
	log.Info("Starting proxy",
		zap.String("namespace", cfg.Namespace),
		zap.Int("agents", len(cfg.Proxy.Agents)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, closeMesh, err := mesh.Provide(cfg.Mesh, log)
	if err != nil {
		log.Fatal("Failed to connect to mesh", zap.Error(err))
	}
	defer closeMesh()

	store, err := artifacts.NewFilesystemStore(cfg.Artifacts.BasePath, log)
	if err != nil {
		log.Fatal("Failed to open artifact store", zap.Error(err))
	}

	p := proxy.New(cfg.Proxy, cfg.Namespace, cfg.Artifacts.AppName, provided.Bus, store, log)
	if err := p.Start(ctx); err != nil {
		log.Fatal("Failed to start proxy", zap.Error(err))
	}

	<-ctx.Done()
	log.Info("Shutting down proxy")
	p.Stop()
	log.Info("Proxy stopped")
}
