package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devcrew/devcrew/internal/agents"
	"github.com/devcrew/devcrew/internal/artifact"
	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events/bus"
	"github.com/devcrew/devcrew/internal/events/lifecycle"
	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/kanban"
	"github.com/devcrew/devcrew/internal/llm"
	"github.com/devcrew/devcrew/internal/pool"
	"github.com/devcrew/devcrew/internal/workspace"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// buildAgentDeps assembles the dependency set shared by every role
// graph.
func buildAgentDeps(
	cfg *config.Config,
	board *kanban.Controller,
	artifacts *artifact.Service,
	executor *graph.Executor,
	publisher *lifecycle.Publisher,
	log *logger.Logger,
) agents.Deps {
	return agents.Deps{
		LLM: llm.NewHTTP(llm.HTTPConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.Timeout) * time.Second,
		}),
		Executor:  executor,
		Kanban:    board,
		Artifacts: artifacts,
		Tools: workspace.NewLocal(cfg.Workspace.Root,
			cfg.Workspace.TestCommand, cfg.Workspace.InstallCommand),
		Lifecycle: publisher,
		Graph:     cfg.Graph,
		Logger:    log,
	}
}

// registerPools ensures one pool per role, each spawning role agents
// from the shared dependency set.
func registerPools(ctx context.Context, manager *pool.Manager, deps agents.Deps) error {
	roles := []v1.AgentRole{
		v1.RoleTeamLeader,
		v1.RoleBusinessAnalyst,
		v1.RoleDeveloper,
		v1.RoleTester,
	}
	for _, role := range roles {
		role := role
		factory := func(meta *v1.Agent) (agents.Agent, error) {
			return agents.New(role, meta.ID, deps)
		}
		if _, err := manager.EnsurePool(ctx, role, factory, nil); err != nil {
			return fmt.Errorf("failed to create %s pool: %w", role, err)
		}
	}
	return nil
}

// openEventBus connects to NATS when configured and falls back to the
// in-process bus otherwise. The returned closer is a no-op for the
// memory bus.
func openEventBus(cfg config.BusConfig, log *logger.Logger) (bus.EventBus, func(), error) {
	if cfg.URL == "" {
		log.Info("using in-memory event bus")
		return bus.NewMemoryEventBus(log), func() {}, nil
	}
	natsBus, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return natsBus, natsBus.Close, nil
}
