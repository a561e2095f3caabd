// Package debug serves the local metrics and health endpoint.
//
// The server is meant for localhost only and should never be exposed to
// external networks.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Introspector provides a JSON-serialisable view of live transport state.
type Introspector interface {
	Snapshot(ctx context.Context) any
}

// IntrospectorFunc adapts a function to Introspector.
type IntrospectorFunc func(ctx context.Context) any

func (f IntrospectorFunc) Snapshot(ctx context.Context) any { return f(ctx) }

// Server is the debug HTTP server.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds a server for addr. gatherer backs /metrics; a nil
// introspector makes /_debug/state answer 501.
func NewServer(addr string, gatherer prometheus.Gatherer, introspector Introspector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/_debug/state", func(w http.ResponseWriter, req *http.Request) {
		if introspector == nil {
			http.Error(w, "state introspection not available", http.StatusNotImplemented)
			return
		}
		writeJSON(w, introspector.Snapshot(req.Context()))
	})

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 2 * time.Second, // Prevent Slowloris attacks
		},
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Debug("debug server listening", "addr", lis.Addr().String())
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Shutdown stops the server, waiting for active requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeJSON writes a JSON response with proper content type.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
