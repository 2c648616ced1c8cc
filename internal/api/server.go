// Package api exposes the HTTP interface for the spiderd service.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crawlhq/spiderd/internal/config"
	"github.com/crawlhq/spiderd/internal/poller"
	"github.com/crawlhq/spiderd/internal/spiderd"
)

// JobRunner is the slice of the launcher the HTTP layer needs.
type JobRunner interface {
	Running() []spiderd.ProcessRecord
	Finished() []spiderd.ProcessRecord
	Cancel(job string, sig os.Signal) bool
}

// Server wires HTTP handlers to the poller, launcher and egg store.
type Server struct {
	router   chi.Router
	poller   *poller.Poller
	launcher JobRunner
	eggs     spiderd.EggStorage
	idGen    spiderd.IDGenerator
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	p *poller.Poller,
	launcher JobRunner,
	eggs spiderd.EggStorage,
	idGen spiderd.IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		poller:   p,
		launcher: launcher,
		eggs:     eggs,
		idGen:    idGen,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/daemonstatus.json", s.daemonStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/schedule.json", s.schedule)
	r.Post("/cancel.json", s.cancel)
	r.Post("/addversion.json", s.addVersion)
	r.Post("/delversion.json", s.delVersion)
	r.Post("/delproject.json", s.delProject)
	r.Get("/listprojects.json", s.listProjects)
	r.Get("/listversions.json", s.listVersions)
	r.Get("/listjobs.json", s.listJobs)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"status": "error", "message": message})
}
