// Package http provides the HTTP transport layer for Herald.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /messages
//	GET    /messages/expired
//	GET    /messages/{id}
//	POST   /messages/{id}/ack
//	GET    /recipients/{recipient}/messages
//	GET    /ws
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/herald/internal/broker"
	"github.com/snehjoshi/herald/internal/config"
	"github.com/snehjoshi/herald/internal/metrics"
)

// Server wraps the stdlib HTTP server with Herald route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around svc. ws serves the realtime channel and may be
// nil, in which case GET /ws is not mounted. reg may be nil to disable
// metrics. The caller is responsible for calling ListenAndServe / Shutdown.
func New(svc broker.Service, ws http.Handler, cfg *config.Config, nodeID string, reg *metrics.Registry) *Server {
	h := &Handler{svc: svc, nodeID: nodeID, started: time.Now()}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Messages
	mux.HandleFunc("POST /messages", h.sendMessage)
	mux.HandleFunc("GET /messages/expired", h.listExpired)
	mux.HandleFunc("GET /messages/{id}", h.getMessage)
	mux.HandleFunc("POST /messages/{id}/ack", h.ackMessage)
	mux.HandleFunc("GET /recipients/{recipient}/messages", h.listUnacknowledged)

	// Realtime channel
	if ws != nil {
		mux.Handle("GET /ws", ws)
	}

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.Producers.MaxRate), cfg.Producers.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
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
// in-flight requests to finish. Hijacked websocket connections are not
// tracked here; close the hub for those.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
