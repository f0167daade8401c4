// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	InstanceID      string
	ShutdownTimeout time.Duration
}

// Probe reports whether a dependency can serve traffic.
type Probe func(ctx context.Context) error

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config  Config
	logger  *slog.Logger
	server  *http.Server
	started time.Time

	mu       sync.RWMutex
	listener net.Listener
	probes   map[string]Probe
	gauges   map[string]func() int
}

// New creates a new health check server.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		started: time.Now(),
		probes:  make(map[string]Probe),
		gauges:  make(map[string]func() int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// AddProbe registers a readiness probe. Every probe must pass for /ready to
// report ready.
func (s *Server) AddProbe(name string, p Probe) {
	s.mu.Lock()
	s.probes[name] = p
	s.mu.Unlock()
}

// AddGauge registers a counter reported by /status.
func (s *Server) AddGauge(name string, fn func() int) {
	s.mu.Lock()
	s.gauges[name] = fn
	s.mu.Unlock()
}

// Handler exposes the endpoint mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health_server_starting", slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("health_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health_server_stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// handleReady runs every probe and returns 503 if any fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	failed := s.runProbes(r.Context())
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: failed})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// StatusResponse describes the running instance.
type StatusResponse struct {
	InstanceID string            `json:"instance_id"`
	Uptime     string            `json:"uptime"`
	Ready      bool              `json:"ready"`
	Probes     map[string]string `json:"probes"`
	Gauges     map[string]int    `json:"gauges,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	failed := s.runProbes(r.Context())
	resp := StatusResponse{
		InstanceID: s.config.InstanceID,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Ready:      len(failed) == 0,
		Probes:     make(map[string]string),
		Gauges:     make(map[string]int),
	}

	s.mu.RLock()
	for name := range s.probes {
		resp.Probes[name] = "ok"
	}
	for name, fn := range s.gauges {
		resp.Gauges[name] = fn()
	}
	s.mu.RUnlock()
	for name, msg := range failed {
		resp.Probes[name] = msg
	}

	writeJSON(w, http.StatusOK, resp)
}

// runProbes returns the error of every failing probe keyed by name.
func (s *Server) runProbes(ctx context.Context) map[string]string {
	s.mu.RLock()
	probes := maps.Clone(s.probes)
	s.mu.RUnlock()

	failed := make(map[string]string)
	for name, p := range probes {
		if err := p(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
