// Package http provides the inspection API for infobridge.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /metrics
//	GET    /api/infotrygd/processing/{caseID}
//	GET    /api/infotrygd/dlq
//	GET    /api/infotrygd/dlq/stats
//	GET    /api/infotrygd/dlq/{caseID}
//	DELETE /api/infotrygd/dlq/{caseID}
//	GET    /api/infotrygd/retry/metrics
//	POST   /api/infotrygd/retry/trigger
//
// The API is read-mostly: the only mutations are removing a dead letter
// record after manual resolution and triggering an immediate retry sweep.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/helsebro/infobridge/internal/config"
	"github.com/helsebro/infobridge/internal/dlq"
	"github.com/helsebro/infobridge/internal/metrics"
	"github.com/helsebro/infobridge/internal/retry"
	"github.com/helsebro/infobridge/internal/state"
)

// SweepDriver is the slice of the retry sweeper the API exposes.
type SweepDriver interface {
	SweepNow(ctx context.Context)
	Snapshot(ctx context.Context) (retry.Metrics, error)
}

// Server wraps the stdlib HTTP server with infobridge route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(states state.Store, dead dlq.Store, sweeper SweepDriver, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{states: states, dead: dead, sweeper: sweeper, mode: string(cfg.Mode)}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Processing state
	mux.HandleFunc("GET /api/infotrygd/processing/{caseID}", h.getProcessing)

	// Dead letter store
	mux.HandleFunc("GET /api/infotrygd/dlq", h.listDLQ)
	mux.HandleFunc("GET /api/infotrygd/dlq/stats", h.dlqStats)
	mux.HandleFunc("GET /api/infotrygd/dlq/{caseID}", h.getDLQ)
	mux.HandleFunc("DELETE /api/infotrygd/dlq/{caseID}", h.removeDLQ)

	// Retry sweep
	mux.HandleFunc("GET /api/infotrygd/retry/metrics", h.retryMetrics)
	mux.HandleFunc("POST /api/infotrygd/retry/trigger", h.triggerSweep)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(100.0, 200),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
