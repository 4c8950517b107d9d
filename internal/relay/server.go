package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migasfree/swarm-control/internal/config"
)

// Server exposes the relay over HTTP: WebSocket upgrades on every path
// except /health (a plain liveness probe for the ingress) and /metrics.
type Server struct {
	hub *Hub
	cfg *config.Relay
	log *slog.Logger

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	// baseCtx outlives individual requests; the request context dies as
	// soon as the handler returns after hijacking the connection.
	baseCtx context.Context
}

// NewServer wires a hub into an HTTP server.
func NewServer(hub *Hub, cfg *config.Relay, log *slog.Logger) *Server {
	return &Server{
		hub: hub,
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// mTLS and origin policy are the ingress's responsibility; the
			// relay sits on the overlay network behind it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks serving the relay until ctx is cancelled or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleUpgrade)

	s.httpSrv = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 0, // WebSocket sessions are long-lived
		IdleTimeout: 2 * pongTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("relay listening", "addr", s.cfg.ListenAddr, "public_url", s.cfg.PublicURL)
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

// handleUpgrade is the WebSocket entry point. Non-upgrade requests get a
// plain 400 without touching the handshake.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	wp := newWSPeer(conn)
	go wp.writePump()
	go wp.readPump(ctx, s.hub)
}

// RunBackground starts the heartbeat and TTL-refresh loops. They stop when
// ctx is cancelled.
func (s *Server) RunBackground(ctx context.Context, hostname string) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.hub.Heartbeat(ctx, hostname)
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.hub.RefreshAgents(ctx)
			}
		}
	}()
}
