// Package api exposes the local management surface: REST endpoints for
// operator actions, WebSocket log and event streams, and Prometheus metrics.
// It binds to localhost by default; the inference traffic itself never passes
// through here.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/fabstir/host-agent/internal/agent"
)

// ServerConfig tunes the management server.
type ServerConfig struct {
	Host           string // default 127.0.0.1
	Port           int    // default 8888
	APIKey         string // empty disables the key check
	AllowedOrigins []string
	LogTail        int // history lines sent on WS connect, default 100
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8888
	}
	if c.LogTail <= 0 {
		c.LogTail = 100
	}
	return c
}

// Server is the management HTTP server.
type Server struct {
	cfg     ServerConfig
	agent   *agent.Agent
	metrics *Metrics
	log     zerolog.Logger
	http    *http.Server
}

// NewServer wires routes over the agent. metrics may be nil; /metrics then
// serves an empty registry.
func NewServer(cfg ServerConfig, a *agent.Agent, metrics *Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		agent:   a,
		metrics: metrics,
		log:     logger,
	}

	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.logMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/logs", s.handleLogStream)
	r.HandleFunc("/ws/events", s.handleEventStream)

	// Operator actions sit behind the API key.
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/update-pricing", s.handleUpdatePricing).Methods(http.MethodPost)
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/earnings", s.handleEarnings).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/checkpoints", s.handleCheckpoints).Methods(http.MethodGet)
	api.HandleFunc("/endpoints", s.handleEndpoints).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("management API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
