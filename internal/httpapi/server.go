// Package httpapi serves the manager's read-only status/observability
// surface: health, Prometheus metrics, and introspection of the tracker and
// supervisor map. There are no mutation endpoints — mutations only ever
// originate from chain events dispatched by internal/protocol.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/ids"
	"github.com/Bidon15/blueprint-manager/internal/tracker"
)

// SupervisorView is the read-only shape a supervisor exposes to this
// package, avoiding an import of internal/supervisor (which this surface
// has no business depending on beyond a state snapshot).
type SupervisorView struct {
	Key   ids.InstanceKey `json:"instance"`
	State blueprint.State `json:"state"`
}

// SupervisorLister returns a point-in-time snapshot of every live
// supervisor, supplied by internal/manager.
type SupervisorLister func() []SupervisorView

// Server wraps the chi router serving the status surface.
type Server struct {
	Logger *slog.Logger

	httpSrv *http.Server
	tracker *tracker.Store
	list    SupervisorLister
}

// Config configures the status server.
type Config struct {
	Logger      *slog.Logger
	Addr        string
	Tracker     *tracker.Store
	Supervisors SupervisorLister
}

// New builds a Server bound to cfg.Addr, not yet listening.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{Logger: cfg.Logger, tracker: cfg.Tracker, list: cfg.Supervisors}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET"},
	}))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/deployments", s.handleListDeployments)
		r.Get("/supervisors", s.handleListSupervisors)
	})

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down or fails.
func (s *Server) ListenAndServe() error {
	s.Logger.Info("httpapi: listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// writeJSON is the one response shape this read-only, unauthenticated
// surface needs: every handler returns 200 with a JSON body, so there is no
// error envelope or pagination metadata to carry.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeJSON(w, []tracker.Record{})
		return
	}
	records := s.tracker.List(func(tracker.Record) bool { return true })
	writeJSON(w, records)
}

func (s *Server) handleListSupervisors(w http.ResponseWriter, r *http.Request) {
	if s.list == nil {
		writeJSON(w, []SupervisorView{})
		return
	}
	writeJSON(w, s.list())
}
