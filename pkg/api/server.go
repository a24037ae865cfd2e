// Package api exposes the ingest service over HTTP: webhook intake,
// health endpoints for the listeners and the webhook pipeline, and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/constants"
	apimiddleware "github.com/nftopia/ingest-go/pkg/api/middleware"
	"github.com/nftopia/ingest-go/pkg/listener"
	"github.com/nftopia/ingest-go/pkg/webhook"
)

// Config holds the API server settings.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = constants.DefaultAPIHost
	}
	if c.Port == 0 {
		c.Port = constants.DefaultAPIPort
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = constants.DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = constants.DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = constants.DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Address returns the host:port the server binds to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server is the HTTP server for the ingest service.
type Server struct {
	config     *Config
	logger     *zap.Logger
	supervisor *listener.Supervisor
	webhooks   *webhook.Handler
	metrics    *webhook.Metrics
	router     *chi.Mux
	server     *http.Server
	started    time.Time
}

// NewServer creates the API server and mounts all routes.
func NewServer(config *Config, logger *zap.Logger, supervisor *listener.Supervisor, webhooks *webhook.Handler, metrics *webhook.Metrics) (*Server, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config:     config,
		logger:     logger.Named("api"),
		supervisor: supervisor,
		webhooks:   webhooks,
		metrics:    metrics,
		router:     chi.NewRouter(),
		started:    time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: constants.DefaultMaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	// Recovery middleware (must be first)
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(apimiddleware.RequestLogger(s.logger))
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Mount("/webhook", s.webhooks.Routes())

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/listeners", s.handleListenerHealth)
	s.router.Get("/health/webhooks", s.handleWebhookHealth)
	s.router.Get("/version", s.handleVersion)

	s.router.Handle("/metrics", promhttp.Handler())
}

// HealthResponse is the overall health payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Listeners int    `json:"listeners"`
}

// handleHealth reports overall service health. The service is degraded when
// any listener has its circuit open or has stopped listening.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.supervisor.Health()

	status := "ok"
	for _, h := range health {
		if !h.IsListening || h.CircuitOpen {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Listeners: len(health),
	})
}

// handleListenerHealth reports per-contract listener state.
func (s *Server) handleListenerHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Health())
}

// WebhookHealthResponse is the webhook pipeline health payload.
type WebhookHealthResponse struct {
	Stats      webhook.Stats `json:"stats"`
	Acceptable bool          `json:"acceptable"`
}

// handleWebhookHealth reports webhook processing stats against the service
// target.
func (s *Server) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, WebhookHealthResponse{
		Stats:      stats,
		Acceptable: stats.Acceptable(),
	})
}

// handleVersion handles the version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"version":"1.0.0","name":"ingest-go"}`)
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
