// Package statusapi serves the operator's read-only HTTP surface.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"arb-scanner/internal/execution"
	"arb-scanner/internal/metrics"
	"arb-scanner/internal/service"
	"arb-scanner/internal/version"
)

// ArtifactReader reads the files the operator loop writes every cycle.
type ArtifactReader interface {
	Health() (*service.HealthSnapshot, error)
	Latest() (*service.CycleReport, error)
}

// ExecutionStatus reports the execution engine snapshot.
type ExecutionStatus interface {
	Status() (execution.Snapshot, error)
}

// Options configure the server.
type Options struct {
	Listen          string
	Artifacts       ArtifactReader
	Execution       ExecutionStatus
	ShutdownTimeout time.Duration
}

// Server exposes health, status and metrics.
type Server struct {
	opts   Options
	logger zerolog.Logger
	router chi.Router
}

// New builds the router.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{opts: opts, logger: logger.With().Str("component", "status_api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/scan/latest", s.latestScan)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("status api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("status api stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "starting", "version": version.Version}
	code := http.StatusOK

	if s.opts.Artifacts != nil {
		snap, err := s.opts.Artifacts.Health()
		switch {
		case err != nil:
			s.logger.Error().Err(err).Msg("read health snapshot")
			body["status"] = "error"
			code = http.StatusInternalServerError
		case snap == nil:
		case snap.OK:
			body["status"] = "ok"
			body["ts"] = snap.Timestamp
		default:
			// 最近一个周期所有链都失败。
			body["status"] = "degraded"
			body["ts"] = snap.Timestamp
			body["error"] = snap.Error
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

type statusResponse struct {
	Version   string                  `json:"version"`
	Health    *service.HealthSnapshot `json:"health,omitempty"`
	Execution *execution.Snapshot     `json:"execution,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Version: version.Version}
	if s.opts.Artifacts != nil {
		snap, err := s.opts.Artifacts.Health()
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.Health = snap
	}
	if s.opts.Execution != nil {
		snap, err := s.opts.Execution.Status()
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.Execution = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) latestScan(w http.ResponseWriter, r *http.Request) {
	if s.opts.Artifacts == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no scan yet"})
		return
	}
	latest, err := s.opts.Artifacts.Latest()
	if err != nil {
		s.fail(w, err)
		return
	}
	if latest == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no scan yet"})
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("status request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
