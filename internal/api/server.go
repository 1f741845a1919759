package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"Gantry/internal/config"
	"Gantry/internal/event"
	"Gantry/internal/metrics"
	"Gantry/internal/provider"
	"Gantry/internal/pullreq"
	"Gantry/internal/runner"
	"Gantry/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxEventBody = 1 << 20 // 1 MiB

type Server struct {
	config     *config.Config
	ingest     *event.Ingest
	registry   *pullreq.Registry
	runners    *runner.Manager
	provider   provider.Provider
	store      store.Store
	metrics    *metrics.Metrics
	registry2  *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new API server
func New(
	cfg *config.Config,
	ingest *event.Ingest,
	reg *pullreq.Registry,
	runners *runner.Manager,
	prov provider.Provider,
	st store.Store,
	met *metrics.Metrics,
	promReg *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:    cfg,
		ingest:    ingest,
		registry:  reg,
		runners:   runners,
		provider:  prov,
		store:     st,
		metrics:   met,
		registry2: promReg,
		logger:    logger.With("component", "api-server"),
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Health and readiness endpoints
	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.handleReadiness)

	// Metrics endpoint
	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath,
			promhttp.HandlerFor(s.registry2, promhttp.HandlerOpts{}))
	}

	// API v1 endpoints
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("/api/v1/pulls", s.authMiddleware(s.handlePulls))
	mux.HandleFunc("/api/v1/runners", s.authMiddleware(s.handleRunners))
	mux.HandleFunc("/api/v1/audit", s.authMiddleware(s.handleAudit))

	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	// Check provider health
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.provider.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleEvents accepts raw events over POST; input that fails
// normalization is discarded with a 400.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}

	ev, err := s.ingest.Submit(body)
	if errors.Is(err, event.ErrMalformedEvent) {
		if s.metrics != nil {
			s.metrics.EventsMalformed.Inc()
		}
		s.writeError(w, http.StatusBadRequest, "malformed event", err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to ingest event", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"id": ev.ID,
	})
}

func (s *Server) handlePulls(w http.ResponseWriter, r *http.Request) {
	snaps := s.registry.Snapshots()

	type pull struct {
		Repository string   `json:"repository"`
		Number     int      `json:"number"`
		BaseBranch string   `json:"base_branch"`
		Approvals  int      `json:"approvals"`
		Labels     []string `json:"labels"`
		Conflict   bool     `json:"conflict"`
	}

	pulls := make([]pull, 0, len(snaps))
	for _, snap := range snaps {
		labels := make([]string, 0, len(snap.Labels))
		for l := range snap.Labels {
			labels = append(labels, l)
		}
		pulls = append(pulls, pull{
			Repository: snap.Repository,
			Number:     snap.Number,
			BaseBranch: snap.BaseBranch,
			Approvals:  len(snap.Approvals),
			Labels:     labels,
			Conflict:   snap.Conflict,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(pulls),
		"pulls":     pulls,
	})
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	instances := s.runners.Instances()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(instances),
		"runners":   instances,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Recent(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read audit store", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(records),
		"records":   records,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
