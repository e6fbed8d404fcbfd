package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/madconcarl-des/archimedes/api/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	ServiceName     string
	Auth            AuthConfig
}

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Scorer       handlers.Scorer
	Engine       handlers.Engine
	Investigator handlers.Investigator
	Publisher    handlers.AlertPublisher
	// Ready reports whether dependencies are usable; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
	services   Services
}

// NewServer creates a new API server with injected services
func NewServer(cfg Config, services Services, logger *zap.Logger) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "archimedes"
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:      cfg,
		router:   router,
		logger:   logger,
		services: services,
	}
	s.registerRoutes()
	return s
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/readyz", s.readyCheck)

	scoring := handlers.NewScoringHandler(s.services.Scorer, s.services.Engine, s.logger)
	alerts := handlers.NewAlertHandler(s.services.Engine, s.services.Investigator, s.services.Publisher, s.logger)
	network := handlers.NewNetworkHandler(s.services.Engine)

	v1 := s.router.Group("/api/v1")
	v1.Use(authMiddleware(s.cfg.Auth, s.logger))
	{
		tx := v1.Group("/transactions")
		tx.POST("/score", requireRole(RoleService, RoleAdmin), scoring.Score)
		tx.POST("/:id/rescore", requireRole(RoleInvestigator, RoleAdmin), scoring.Rescore)
		tx.GET("/:id/scores", scoring.History)

		v1.PUT("/accounts/:id", requireRole(RoleService, RoleAdmin), scoring.UpsertAccount)

		al := v1.Group("/alerts")
		al.GET("", alerts.List)
		al.GET("/:id", alerts.Get)
		inv := al.Group("/:id", requireRole(RoleInvestigator, RoleAdmin))
		inv.POST("/transition", alerts.Transition)
		inv.POST("/assign", alerts.Assign)
		inv.POST("/notes", alerts.AddNote)
		inv.PUT("/severity", alerts.SetSeverity)

		v1.GET("/network/:account", network.Analyze)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) readyCheck(c *gin.Context) {
	if s.services.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.services.Ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Start serves until Shutdown. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("Starting API server", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}
