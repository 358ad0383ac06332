// Package api exposes the REST surface: flow metrics, backlog
// management, persona CRUD, credit accounting, and pool stats.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/credit"
	"github.com/devcrew/devcrew/internal/events/bus"
	"github.com/devcrew/devcrew/internal/kanban"
	"github.com/devcrew/devcrew/internal/persona"
	"github.com/devcrew/devcrew/internal/pool"
	"github.com/devcrew/devcrew/internal/story"
)

// Deps carries the services the REST layer fronts. WSHandler is
// optional; when set, GET /ws upgrades to the fan-out gateway. Bus,
// when set, receives a story status event for every board move.
type Deps struct {
	Kanban    *kanban.Controller
	Stories   story.Repository
	Personas  *persona.Service
	Credits   credit.Store
	Pools     *pool.Manager
	Bus       bus.EventBus
	WSHandler gin.HandlerFunc
	Logger    *logger.Logger
}

// Server is the HTTP server for the REST API.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	deps   Deps
	logger *logger.Logger
}

// NewServer builds the router and wires all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine: engine,
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "api")),
	}

	engine.Use(s.requestLogger(), gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1g := engine.Group("/api/v1")
	{
		v1g.GET("/projects/:id/flow-metrics", s.getFlowMetrics)
		v1g.GET("/projects/:id/board", s.getBoard)
		v1g.GET("/projects/:id/wip", s.getWIPStatus)

		v1g.GET("/backlog-items", s.listBacklogItems)
		v1g.PUT("/backlog-items/:id/move", s.moveBacklogItem)

		v1g.GET("/personas", s.listPersonas)
		v1g.POST("/personas", s.createPersona)
		v1g.PUT("/personas/:id", s.updatePersona)
		v1g.DELETE("/personas/:id", s.deletePersona)

		v1g.GET("/credits/activities", s.listCreditActivities)

		v1g.GET("/pools", s.listPools)
		v1g.GET("/pools/:role/stats", s.getPoolStats)
		v1g.POST("/pools/:role/start", s.startPool)
		v1g.POST("/pools/:role/stop", s.stopPool)
	}

	if deps.WSHandler != nil {
		engine.GET("/ws", deps.WSHandler)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("REST API listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
