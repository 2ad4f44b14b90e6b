// SPDX-License-Identifier: MIT

// Package api exposes the daemon's HTTP surface: chunked uploads, job
// lifecycle, SSE progress streams and operational endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/config"
	"github.com/davidgeorgehope/vibecaster/internal/engine"
	"github.com/davidgeorgehope/vibecaster/internal/event"
	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/davidgeorgehope/vibecaster/internal/upload"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the HTTP handlers to the domain services.
type Server struct {
	cfg     config.Settings
	store   *store.Store
	uploads *upload.Manager
	engine  *engine.Engine
	bus     *event.Bus
}

// New builds a Server over the given services.
func New(cfg config.Settings, st *store.Store, uploads *upload.Manager, eng *engine.Engine, bus *event.Bus) *Server {
	return &Server{cfg: cfg, store: st, uploads: uploads, engine: eng, bus: bus}
}

// Routes assembles the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)
	if s.cfg.RateLimitPerMin > 0 {
		r.Use(httprate.Limit(s.cfg.RateLimitPerMin, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", s.handleUploadInit)
			r.Get("/{id}", s.handleUploadStatus)
			r.Put("/{id}/chunks/{index}", s.handleUploadChunk)
			r.Post("/{id}/complete", s.handleUploadComplete)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleJobCreate)
			r.Get("/", s.handleJobList)
			r.Get("/{id}", s.handleJobGet)
			r.Get("/{id}/events", s.handleJobEvents)
			r.Get("/{id}/result", s.handleJobResult)
			r.Post("/{id}/cancel", s.handleJobCancel)
			r.Delete("/{id}", s.handleJobDismiss)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recoverer turns handler panics into 500s instead of dropped
// connections.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.FromContext(r.Context())
				logger.Error().
					Str("event", "http.panic").
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeInternal(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID assigns each request a correlation id, honoring one the
// client already sent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), rid)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger := log.FromContext(r.Context())
		evt := logger.Info()
		if rec.status >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}
