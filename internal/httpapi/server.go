// SPDX-License-Identifier: MIT

// Package httpapi exposes the monitoring surface of the daemon: health and
// readiness probes, Prometheus metrics, and a JSON status endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/health"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/manager"
)

// NewRouter builds the monitoring router.
func NewRouter(mgr *manager.Manager, hm *health.Manager) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", hm.ServeHealth)
	r.Get("/readyz", hm.ServeReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/status", statusHandler(mgr))
	r.Post("/api/scan", scanHandler(mgr))
	return r
}

func statusHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := mgr.GetStatus(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, r, http.StatusOK, s)
	}
}

func scanHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := mgr.ScanAll(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, r, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "httpapi")
		logger.Error().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	logger := log.WithComponentFromContext(r.Context(), "httpapi")
	logger.Error().Err(err).Int("status", code).Msg("request failed")
	writeJSON(w, r, code, map[string]string{"error": err.Error()})
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := log.WithComponent("httpapi")
		logger.Debug().
			Str("method", r.Method).
			Str("url", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request served")
	})
}

// Server wraps http.Server with context-driven graceful shutdown.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then drains for at most grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	logger := log.WithComponent("httpapi")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	logger.Info().Str("addr", s.srv.Addr).Msg("monitoring endpoint listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return s.srv.Close()
	}
	return nil
}
