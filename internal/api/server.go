// Package api is the HTTP surface of guildd: guild CRUD and status, message injection,
// health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/internal/runtime"
)

// Options configures a Server.
type Options struct {
	Logger      zerolog.Logger
	Metrics     *observability.Metrics // nil disables /metrics
	CORSOrigins []string
	// MaxBodyBytes caps request bodies; zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes is the request body limit when Options leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Server serves the API for one Manager.
type Server struct {
	manager *runtime.Manager
	logger  zerolog.Logger
	metrics *observability.Metrics
	router  *gin.Engine
	server  *http.Server
	started time.Time
	maxBody int64
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(manager *runtime.Manager, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(opts.Logger))
	if opts.Metrics != nil {
		r.Use(observability.RequestMetrics(opts.Metrics))
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "PATCH", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		manager: manager,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		router:  r,
		started: time.Now(),
		maxBody: opts.MaxBodyBytes,
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	guilds := s.router.Group("/api/guilds")
	guilds.POST("", s.createGuild)
	guilds.GET("", s.listGuilds)
	guilds.GET("/:id", s.getGuild)
	guilds.PATCH("/:id/status", s.updateStatus)
	guilds.DELETE("/:id", s.deleteGuild)
	guilds.POST("/:id/messages", s.publish)
	guilds.GET("/:id/agents", s.agents)
	guilds.POST("/:id/agents", s.addAgent)
	guilds.GET("/:id/agents/:agent_id", s.getAgent)
	guilds.DELETE("/:id/agents/:agent_id", s.removeAgent)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background. Listener errors other than a clean close are
// logged.
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Event(s.logger.Error(), "http_server_failed").Err(err).Msg("HTTP server error")
		}
	}()

	observability.Event(s.logger.Info(), "http_server_started").Str("addr", addr).Msg("API listening")
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
