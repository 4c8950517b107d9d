package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/migasfree/swarm-control/internal/metrics"
	"github.com/migasfree/swarm-control/internal/store"
	"github.com/migasfree/swarm-control/internal/tunnel"
)

var proxyUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// browserConn serialises writes to the browser WebSocket.
type browserConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (b *browserConn) writeJSON(v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return b.ws.WriteJSON(v)
}

func (b *browserConn) writeBinary(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return b.ws.WriteMessage(websocket.BinaryMessage, data)
}

// handleProxy bridges a browser WebSocket to a service on one agent through
// the agent's assigned relay. SSH gets a terminal; vnc and rdp get a raw
// byte pipe their in-browser clients consume directly.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	service := r.URL.Query().Get("service")
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "root"
	}
	switch service {
	case "ssh", "vnc", "rdp":
	default:
		writeError(w, http.StatusBadRequest, "service must be ssh, vnc or rdp")
		return
	}

	rec, err := s.deps.Store.GetAgent(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "agent directory unavailable")
		return
	}
	addr, err := relayAddr(rec)
	if err != nil {
		writeError(w, http.StatusConflict, "agent has no live relay")
		return
	}
	clientCN := r.Header.Get("X-SSL-Client-CN")

	ws, err := proxyUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("browser upgrade failed", "error", err)
		return
	}
	browser := &browserConn{ws: ws}
	defer ws.Close()

	// The request context dies when this handler would normally return;
	// the session lives on the server context instead.
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	relay, err := dialRelay(ctx, addr, agentID)
	if err != nil {
		s.log.Warn("relay dial failed", "agent", agentID, "error", err)
		_ = browser.writeJSON(map[string]string{"status": "error", "message": "relay unreachable"})
		return
	}
	defer relay.close()

	tunnelID := "web-" + uuid.NewString()
	if err := relay.startTunnel(agentID, tunnelID, service, clientCN); err != nil {
		s.log.Warn("tunnel start failed", "agent", agentID, "service", service, "error", err)
		_ = browser.writeJSON(map[string]string{"status": "error", "message": err.Error()})
		return
	}

	metrics.ProxySessions.WithLabelValues(service).Inc()
	s.log.Info("proxy session started", "agent", agentID, "service", service, "tunnel", tunnelID)
	_ = browser.writeJSON(map[string]string{"status": "connected", "tunnel_id": tunnelID})

	if service == "ssh" {
		err = s.bridgeSSH(ctx, browser, relay, tunnelID, username)
	} else {
		err = s.bridgeRaw(ctx, browser, relay, tunnelID)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("proxy session ended", "tunnel", tunnelID, "error", err)
	}
	_ = relay.send(&tunnel.Frame{Type: tunnel.TypeCloseTunnel, TunnelID: tunnelID})
}

// bridgeRaw pumps bytes between the browser and the relay tunnel without
// interpretation. Browser binary frames become hex tunnel_data; agent bytes
// go back as binary frames.
func (s *Server) bridgeRaw(ctx context.Context, browser *browserConn, relay *relayConn, tunnelID string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer browser.ws.Close()
		for {
			f, err := relay.read()
			if err != nil {
				return err
			}
			switch f.Type {
			case tunnel.TypeTunnelData:
				if f.TunnelID != tunnelID {
					continue
				}
				payload, err := tunnel.DecodePayload(f.Data)
				if err != nil {
					continue
				}
				if err := browser.writeBinary(payload); err != nil {
					return err
				}
			case tunnel.TypeTunnelClosed:
				return errors.New("tunnel closed by peer")
			}
		}
	})

	g.Go(func() error {
		defer relay.close()
		for {
			msgType, data, err := browser.ws.ReadMessage()
			if err != nil {
				return err
			}
			if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
				continue
			}
			if err := relay.send(tunnel.DataFrame(tunnelID, tunnel.OriginClient, data)); err != nil {
				return err
			}
		}
	})

	<-gctx.Done()
	browser.ws.Close()
	relay.close()
	return g.Wait()
}

// browserMessage is the JSON terminal protocol spoken with the in-browser
// SSH client.
type browserMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

func parseBrowserMessage(data []byte) (browserMessage, error) {
	var m browserMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
