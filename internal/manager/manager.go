// Package manager implements the control plane's HTTP surface: relay
// assignment, the agent directory, browser service proxying over the tunnel
// fabric, CA pass-throughs, saturation telemetry and the status stream.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/events"
	"github.com/migasfree/swarm-control/internal/monitor"
	"github.com/migasfree/swarm-control/internal/store"
)

// StatusSource is the slice of the swarm monitor the HTTP surface reads.
type StatusSource interface {
	Snapshot() map[string]monitor.ServiceState
	RecentLogs(limit int) []monitor.LogEntry
}

// Dependencies collects what the server needs from the rest of the process.
type Dependencies struct {
	Config       *config.Manager
	Store        *store.Store
	Bus          *events.Bus
	Monitor      StatusSource // nil on non-manager nodes
	Availability http.Handler // the saturation admission gate
	Auth         *CoreAuth
	Version      string
	SwarmManager bool
	Log          *slog.Logger
}

// Server is the manager HTTP server.
type Server struct {
	deps    Dependencies
	cfg     *config.Manager
	log     *slog.Logger
	httpSrv *http.Server
	baseCtx context.Context
}

func NewServer(deps Dependencies) *Server {
	return &Server{
		deps: deps,
		cfg:  deps.Config,
		log:  deps.Log,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://" + s.cfg.FQDN},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-SSL-Client-CN"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/public", func(r chi.Router) {
			if s.deps.Availability != nil {
				r.Method(http.MethodPost, "/synchronizations/availability/", s.deps.Availability)
			}
			r.Get("/crl", s.caPassThrough)
			r.Get("/ca", s.caPassThrough)
			r.Get("/mtls/admin-requests/{token}", s.caPassThrough)
			r.Get("/mtls/computer-requests/{token}", s.caPassThrough)
			r.Post("/mtls/admin-certificates", s.caPassThrough)
			r.Post("/mtls/computer-certificates", s.caPassThrough)
		})

		r.Route("/private", func(r chi.Router) {
			r.Post("/auth/login", s.handleLogin)

			// Agents register with their device identity, admins with a
			// bearer or an admin CN.
			r.With(s.requireClient).Post("/tunnel/register", s.handleRegister)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/tunnel/agents", s.handleListAgents)
				r.Get("/tunnel/agents/{id}", s.handleGetAgent)
				r.Get("/tunnel/health", s.handleTunnelHealth)
				r.Get("/tunnel/ws/agents/{id}", s.handleProxy)
				r.Get("/metrics/json", s.handleMetricsJSON)
				r.Get("/metrics/dashboard", s.handleDashboard)
				r.Get("/stream", s.handleStream)
				r.Get("/info", s.handleInfo)

				r.Post("/mtls/admin-tokens", s.caPassThrough)
				r.Post("/mtls/computer-tokens", s.caPassThrough)
				r.Delete("/mtls/admin-certificates", s.caPassThrough)
				r.Delete("/mtls/computer-certificates", s.caPassThrough)
			})
		})
	})

	return r
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx
	s.httpSrv = &http.Server{
		Addr:        s.cfg.HTTPAddr,
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
		// WS proxy sessions and the SSE stream are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("manager listening", "addr", s.cfg.HTTPAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(started).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
