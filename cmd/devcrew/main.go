// Package main is the unified entry point for the devcrew control
// plane: event bus, stores, agent pools, dispatcher, WebSocket gateway,
// and REST API in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/api"
	"github.com/devcrew/devcrew/internal/artifact"
	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/dispatcher"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/lifecycle"
	gateway "github.com/devcrew/devcrew/internal/gateway/websocket"
	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/kanban"
	"github.com/devcrew/devcrew/internal/monitor"
	"github.com/devcrew/devcrew/internal/persona"
	"github.com/devcrew/devcrew/internal/pool"
	"github.com/devcrew/devcrew/internal/projectctx"
	ws "github.com/devcrew/devcrew/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting devcrew")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}

	// Event bus
	eventBus, closeBus, err := openEventBus(cfg.Bus, log)
	if err != nil {
		log.Fatal("event bus unavailable", zap.Error(err))
	}
	defer closeBus()

	// Stores
	stores, err := openStorage(cfg.Database)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer stores.Close()
	log.Info("storage initialized", zap.String("driver", cfg.Database.Driver))

	// Domain services
	cache := projectctx.NewCache(stores.contexts, cfg.Cache, log)
	board := kanban.NewController(stores.stories, cfg.WIP, log)
	artifacts := artifact.NewService(stores.artifacts,
		artifact.NewWorkspaceMirror(cfg.Workspace.ArtifactMirror), eventBus, log)
	personas := persona.NewService(stores.personas, stores.pools, log)
	executor := graph.NewExecutor(stores.checkpoints, log)
	publisher := lifecycle.NewPublisher(eventBus, "devcrew", log)

	// Agent pools
	agentDeps := buildAgentDeps(cfg, board, artifacts, executor, publisher, log)
	manager := pool.NewManager(stores.pools, cfg.Pools, log)
	if err := registerPools(ctx, manager, agentDeps); err != nil {
		log.Fatal("failed to register agent pools", zap.Error(err))
	}
	if err := manager.StartAll(ctx); err != nil {
		log.Fatal("failed to start agent pools", zap.Error(err))
	}
	log.Info("agent pools started", zap.Int("pools", len(manager.Pools())))

	poolMonitor := monitor.New(manager, cfg.Metrics, log)
	poolMonitor.Start()

	// WebSocket gateway
	wsDispatcher := ws.NewDispatcher()
	gateway.RegisterHealthHandler(wsDispatcher)
	hub := gateway.NewHub(wsDispatcher, log)
	hub.SetCleanupFunc(clearProjectPresence(stores, log))
	wsHandler := gateway.NewHandler(hub, log)
	gateway.RegisterNotifications(ctx, eventBus, hub, log)

	// Dispatcher
	routing := dispatcher.New(dispatcher.Deps{
		Bus:       eventBus,
		Cache:     cache,
		Manager:   manager,
		Lifecycle: publisher,
		Fanout:    hub,
		Credits:   stores.credits,
		Stories:   stores.stories,
		Retry: events.ConsumerConfig{
			MaxRedeliveries: cfg.Bus.MaxRedeliveries,
			StopTimeout:     cfg.Bus.StopTimeoutDuration(),
			DedupeWindow:    cfg.Bus.DedupeWindowDuration(),
		},
		Logger: log,
	})
	if err := routing.Start(ctx); err != nil {
		log.Fatal("failed to start dispatcher", zap.Error(err))
	}

	// REST API
	server := api.NewServer(cfg.Server, api.Deps{
		Kanban:    board,
		Stories:   stores.stories,
		Personas:  personas,
		Credits:   stores.credits,
		Pools:     manager,
		Bus:       eventBus,
		WSHandler: wsHandler.HandleConnection,
		Logger:    log,
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down devcrew")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	if err := routing.Stop(); err != nil {
		log.Error("dispatcher stop error", zap.Error(err))
	}
	poolMonitor.Stop()
	hub.CloseAll()
	if err := manager.StopAll(shutdownCtx); err != nil {
		log.Error("pool shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("devcrew stopped")
}

// clearProjectPresence drops the presence flag and active-agent marker
// when a project's last socket disconnects.
func clearProjectPresence(stores *storage, log *logger.Logger) gateway.CleanupFunc {
	return func(projectID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		project, err := stores.stories.GetProject(ctx, projectID)
		if err != nil {
			return
		}
		if !project.HasPresence && project.ActiveAgentID == "" {
			return
		}
		project.HasPresence = false
		project.ActiveAgentID = ""
		if err := stores.stories.UpdateProject(ctx, project); err != nil {
			log.Warn("failed to clear project presence",
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}
}
