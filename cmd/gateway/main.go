// Package main runs the gateway component: the HTTP and SSE edge of the
// mesh, backed by the persistent event buffer, session store, and artifact
// store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/artifacts"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/eventbuffer"
	"github.com/agentmesh/agentmesh/internal/gateway"
	"github.com/agentmesh/agentmesh/internal/mesh"
)

const shutdownGrace = 5 * time.Second

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

	log.Info("Starting gateway",
		zap.String("namespace", cfg.Namespace),
		zap.String("gateway_id", cfg.Gateway.ID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, closeDB, err := db.Provide(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer closeDB()

	provided, closeMesh, err := mesh.Provide(cfg.Mesh, log)
	if err != nil {
		log.Fatal("Failed to connect to mesh", zap.Error(err))
	}
	defer closeMesh()

	store, err := artifacts.NewFilesystemStore(cfg.Artifacts.BasePath, log)
	if err != nil {
		log.Fatal("Failed to open artifact store", zap.Error(err))
	}

	buffer := eventbuffer.New(eventbuffer.NewStore(pool), cfg.Buffer, log)
	if err := buffer.Start(ctx); err != nil {
		log.Fatal("Failed to start event buffer", zap.Error(err))
	}
	defer buffer.Stop()

	sessions := gateway.NewSessionStore(pool)
	if err := sessions.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to initialize session schema", zap.Error(err))
	}
	shares := gateway.NewShareStore(pool)
	if err := shares.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to initialize share schema", zap.Error(err))
	}

	agents := gateway.NewAgentRegistry(time.Duration(cfg.Gateway.AgentTTL)*time.Second, log)
	if err := agents.Start(provided.Bus, cfg.Namespace); err != nil {
		log.Fatal("Failed to start agent registry", zap.Error(err))
	}
	defer agents.Stop()

	service := gateway.NewService(cfg.Gateway, cfg.Namespace, cfg.Artifacts.AppName,
		provided.Bus, buffer, store, sessions, agents, log)
	if err := service.Start(ctx); err != nil {
		log.Fatal("Failed to start gateway service", zap.Error(err))
	}
	defer service.Stop()

	httpServer := gateway.NewHTTPServer(cfg.Gateway, cfg.Server, cfg.Auth,
		cfg.Artifacts.AppName, service, buffer, sessions, shares, store, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpServer.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("Gateway HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Gateway stopped")
}
