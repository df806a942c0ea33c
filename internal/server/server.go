// Package server exposes the coordination core over HTTP: emergency stop
// control, transaction and event inspection, health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/config"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/coordinator"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/emergency"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/txmanager"
)

// Server is the HTTP front of the coordination core.
type Server struct {
	logger *zap.Logger
	config config.ServerConfig
	router *gin.Engine
	http   *http.Server

	txm     *txmanager.Manager
	stopper *emergency.Stopper
	coord   *coordinator.Coordinator
	bus     *events.Bus
}

// New builds the server and mounts all routes.
func New(
	cfg config.ServerConfig,
	txm *txmanager.Manager,
	stopper *emergency.Stopper,
	coord *coordinator.Coordinator,
	bus *events.Bus,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.Default())

	s := &Server{
		logger:  logger.Named("server"),
		config:  cfg,
		router:  router,
		txm:     txm,
		stopper: stopper,
		coord:   coord,
		bus:     bus,
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		stop := v1.Group("/emergency-stop")
		{
			stop.POST("/execute", s.executeStop)
			stop.POST("/panic", s.panicStop)
			stop.GET("/status", s.stopStatus)
			stop.GET("/history", s.stopHistory)
		}
		v1.GET("/transactions/:id", s.getTransaction)
		v1.GET("/locks", s.getLocks)
		v1.GET("/events/history", s.eventHistory)
		v1.GET("/state", s.stateStats)
	}
}

// Start runs the HTTP server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.config.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}
