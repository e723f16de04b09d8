// Package health exposes the health check and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/logging"
)

const (
	pingTimeout       = 2 * time.Second
	readHeaderTimeout = 2 * time.Second

	statusOK       = "ok"
	statusError    = "error"
	statusDegraded = "degraded"
)

// Checker is a dependency that can be pinged.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

type check struct {
	name     string
	checker  Checker
	required bool
}

// Option adds dependencies to the health report.
type Option func(*Server)

// WithCheck reports a dependency. A failing required dependency marks the
// whole service degraded; an optional one only shows up in the details.
func WithCheck(name string, checker Checker, required bool) Option {
	return func(s *Server) {
		s.checks = append(s.checks, check{name: name, checker: checker, required: required})
	}
}

// Server hosts GET /healthz and GET /metrics.
type Server struct {
	server *http.Server
	logger *logrus.Entry
	checks []check
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewServer constructs a health server listening on port.
func NewServer(port int, logger *logrus.Entry, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{logger: logger}
	for _, opt := range opts {
		opt(srv)
	}
	sort.SliceStable(srv.checks, func(i, j int) bool { return srv.checks[i].name < srv.checks[j].name })

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "health_listen",
		"addr":  s.server.Addr,
	}).Info("starting health server")

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server listen: %w", err)
	}

	s.logger.WithField("event", "health_stopped").Info("health server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: statusOK, Checks: make(map[string]string, len(s.checks))}

	for _, c := range s.checks {
		status := s.ping(r.Context(), c)
		resp.Checks[c.name] = status
		if status != statusOK && c.required {
			resp.Status = statusDegraded
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != statusOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}

func (s *Server) ping(ctx context.Context, c check) string {
	if c.checker == nil {
		s.logger.WithFields(logging.Fields{
			"event": "health_check_missing",
			"check": c.name,
		}).Warn("health check is not configured")
		return statusError
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := c.checker.Ping(pingCtx); err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"event": "health_check_error",
			"check": c.name,
		}).Warn("dependency ping failed during health check")
		return statusError
	}
	return statusOK
}
