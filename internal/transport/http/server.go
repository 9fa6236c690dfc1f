// Package http serves the station's local diagnostics surface.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /api/pending
//	GET    /api/dropped
//	POST   /api/dropped/replay
//	GET    /api/logs
//	POST   /api/flush
//	POST   /api/upload
//	GET    /metrics
//
// Handlers never touch the delivery engine. They read the runner's published
// State and leave requests for its tick loop to pick up.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/config"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/dlq"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/logging"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/metrics"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/station"
)

// Station is the part of station.Runner the surface uses.
type Station interface {
	State() *station.State
	RequestFlush()
	RequestReplay(limit int)
	RequestUpload(url string, requestID int)
}

// Deps are the collaborators behind the routes. Journal, Logs and Metrics
// may be nil; their routes then answer with empty results or 404.
type Deps struct {
	StationID string
	DataDir   string
	Station   Station
	Journal   *dlq.Journal
	Logs      *logging.Ring
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

// Server wraps the stdlib HTTP server with the diagnostics routes.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(cfg config.DiagnosticsConfig, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	h := &Handler{deps: d, started: time.Now()}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /api/pending", h.pending)
	mux.HandleFunc("GET /api/dropped", h.dropped)
	mux.HandleFunc("POST /api/dropped/replay", h.replay)
	mux.HandleFunc("GET /api/logs", h.logs)
	mux.HandleFunc("POST /api/flush", h.flush)
	mux.HandleFunc("POST /api/upload", h.upload)

	// Metrics (Prometheus text format)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	// Build middleware chain: body limit → logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		MaxBodyMiddleware,
		LoggingMiddleware(d.Logger, d.Metrics),
		AuthMiddleware(cfg.APIKey),
		RateLimitMiddleware(float64(cfg.RateLimit), cfg.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr (e.g. "127.0.0.1:9180").
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
