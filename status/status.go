// Package status serves a small read-only HTTP view of the bot.
//
//	GET /healthz            liveness
//	GET /jobs               active jobs ordered by channel
//	GET /jobs/{channelID}   one active job, 404 when the channel is idle
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/sandbot/config"
	"github.com/isdmx/sandbot/job"
)

// Server is the status HTTP server
type Server struct {
	logger   *zap.Logger
	registry *job.Registry
	addr     string
	http     *http.Server
}

// New creates a status Server for registry
func New(logger *zap.Logger, cfg *config.Config, registry *job.Registry) *Server {
	s := &Server{
		logger:   logger,
		registry: registry,
		addr:     cfg.Status.Addr,
	}
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the status routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/jobs", s.handleJobs)
	r.Get("/jobs/{channelID}", s.handleJob)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": s.registry.Len(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.registry.Active()
	infos := make([]job.Info, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	j := s.registry.Lookup(chi.URLParam(r, "channelID"))
	if j == nil {
		http.Error(w, "no active job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j.Info())
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("starting status server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
