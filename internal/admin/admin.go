// Package admin serves the operator HTTP endpoints next to the MRD
// listener: Prometheus metrics, a liveness probe and a JSON snapshot.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mrdserver/internal/metrics"
)

// Version is reported by /healthz.  cmd sets it at startup.
var Version = "dev"

// Server is the admin HTTP server.
type Server struct {
	addr    string
	metrics *metrics.Collector
	logger  zerolog.Logger
	engine  string
	started time.Time

	srv *http.Server
}

// New returns a server for addr.  engine is reported by /healthz.
func New(addr string, m *metrics.Collector, engine string, logger zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		metrics: m,
		logger:  logger.With().Str("component", "admin").Logger(),
		engine:  engine,
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Get("/stats", s.stats)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Serve listens on the configured address and serves until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx ends, then shuts down.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type health struct {
	Status         string `json:"status"`
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
	Engine         string `json:"engine"`
	ActiveSessions int64  `json:"active_sessions"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.metrics.RecordHealthCheck()
	writeJSON(w, health{
		Status:         "ok",
		Uptime:         time.Since(s.started).Truncate(time.Second).String(),
		Version:        Version,
		Engine:         s.engine,
		ActiveSessions: s.metrics.ActiveSessions(),
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.metrics.Snapshot())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("admin request")
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}
