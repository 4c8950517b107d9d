package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/tunnel"
)

const (
	sendQueueSize    = 100
	pongTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	readChunkSize    = 32 * 1024
)

// session is one live relay connection together with the tunnels and exec
// sessions running over it.
type session struct {
	cfg *config.Agent
	log *slog.Logger

	send chan *tunnel.Frame
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	tunnels map[string]*localTunnel
	execs   map[string]context.CancelFunc

	// dialLocal opens the local service socket. Swapped for net.Pipe in tests.
	dialLocal func(addr string) (net.Conn, error)
}

// localTunnel bridges one relay tunnel to one local TCP connection. Writes
// toward the local socket go through a bounded queue so a stalled service
// cannot block the session's frame dispatch.
type localTunnel struct {
	id        string
	conn      net.Conn
	writeCh   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newLocalTunnel(id string, conn net.Conn) *localTunnel {
	return &localTunnel{
		id:      id,
		conn:    conn,
		writeCh: make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

func (t *localTunnel) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

func newSession(cfg *config.Agent, log *slog.Logger) *session {
	return &session{
		cfg:     cfg,
		log:     log,
		send:    make(chan *tunnel.Frame, sendQueueSize),
		done:    make(chan struct{}),
		tunnels: make(map[string]*localTunnel),
		execs:   make(map[string]context.CancelFunc),
		dialLocal: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 5*time.Second)
		},
	}
}

// enqueue offers a frame to the relay-bound queue without blocking.
func (s *session) enqueue(f *tunnel.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, t := range s.tunnels {
			t.close()
		}
		for _, cancel := range s.execs {
			cancel()
		}
		s.mu.Unlock()
	})
}

// runSession dials the relay, registers, and serves frames until the socket
// dies or ctx is cancelled. The bool reports whether registration_ok arrived.
func (a *Agent) runSession(ctx context.Context, relayURL string) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   readChunkSize,
		WriteBufferSize:  readChunkSize,
	}
	header := http.Header{"X-Agent-ID": []string{a.cfg.AgentID}}
	conn, resp, err := dialer.DialContext(ctx, relayURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dialing relay: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dialing relay: %w", err)
	}
	defer conn.Close()

	s := newSession(a.cfg, a.log)
	defer s.shutdown()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		s.shutdown()
		_ = conn.Close()
	}()
	go s.writePump(conn)

	s.enqueue(&tunnel.Frame{
		Type:     tunnel.TypeRegisterAgent,
		ID:       a.cfg.AgentID,
		Name:     a.cfg.Hostname,
		Services: a.cfg.Services,
		Mode:     "agent",
	})

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(payload))
	})

	registered := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return registered, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := tunnel.Parse(data)
		if err != nil {
			a.log.Debug("dropping unparsable frame", "error", err)
			continue
		}
		if f.Type == tunnel.TypeRegistrationOK {
			registered = true
			a.log.Info("registered on relay", "relay", relayURL)
			continue
		}
		s.handleFrame(sessCtx, f)
	}
}

// writePump serialises all socket writes. The relay pings us, not the other
// way round, so there is no ticker here.
func (s *session) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			data, err := f.Marshal()
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown()
				return
			}
		}
	}
}

// handleFrame reacts to one relay frame. Unknown types are ignored.
func (s *session) handleFrame(ctx context.Context, f *tunnel.Frame) {
	switch f.Type {
	case tunnel.TypeStartTCPTunnel:
		s.startTunnel(f)
	case tunnel.TypeTunnelData:
		s.writeTunnel(f)
	case tunnel.TypeCloseTCPTunnel, tunnel.TypeTunnelClosed:
		s.closeTunnel(f.TunnelID, false)
	case tunnel.TypeExecuteCommand:
		s.startExec(ctx, f)
	case tunnel.TypeError:
		s.log.Warn("relay error", "message", f.Message)
	default:
		s.log.Debug("ignoring unknown frame type", "type", f.Type)
	}
}

// startTunnel dials the advertised local port for the requested service and
// starts pumping it toward the relay.
func (s *session) startTunnel(f *tunnel.Frame) {
	port, ok := s.cfg.Services[f.Service]
	if !ok {
		s.log.Warn("tunnel for unadvertised service", "service", f.Service, "tunnel", f.TunnelID)
		s.enqueue(&tunnel.Frame{Type: tunnel.TypeTunnelClosed, TunnelID: f.TunnelID})
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := s.dialLocal(addr)
	if err != nil {
		s.log.Warn("local dial failed", "service", f.Service, "addr", addr, "error", err)
		s.enqueue(&tunnel.Frame{Type: tunnel.TypeTunnelClosed, TunnelID: f.TunnelID})
		return
	}

	t := newLocalTunnel(f.TunnelID, conn)
	s.mu.Lock()
	if _, dup := s.tunnels[f.TunnelID]; dup {
		s.mu.Unlock()
		t.close()
		s.log.Warn("duplicate tunnel id", "tunnel", f.TunnelID)
		return
	}
	s.tunnels[f.TunnelID] = t
	s.mu.Unlock()

	s.log.Info("tunnel open", "tunnel", f.TunnelID, "service", f.Service, "addr", addr)
	go s.pumpLocal(t)
	go s.writeLocal(t)
}

// pumpLocal copies local socket bytes into tunnel_data frames until the
// socket closes, then notifies the relay.
func (s *session) pumpLocal(t *localTunnel) {
	defer s.closeTunnel(t.id, true)

	buf := make([]byte, readChunkSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			if !s.enqueue(tunnel.DataFrame(t.id, tunnel.OriginAgent, buf[:n])) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// writeTunnel queues client bytes for the local socket. A full queue means
// the local service stalled; the tunnel is torn down rather than letting it
// back up into frame dispatch.
func (s *session) writeTunnel(f *tunnel.Frame) {
	s.mu.Lock()
	t, ok := s.tunnels[f.TunnelID]
	s.mu.Unlock()
	if !ok {
		return
	}

	payload, err := tunnel.DecodePayload(f.Data)
	if err != nil {
		s.log.Warn("bad tunnel payload", "tunnel", f.TunnelID, "error", err)
		s.closeTunnel(f.TunnelID, true)
		return
	}

	select {
	case t.writeCh <- payload:
	case <-t.done:
	default:
		s.log.Warn("local write backlog, closing tunnel", "tunnel", t.id)
		s.closeTunnel(t.id, true)
	}
}

// writeLocal drains the tunnel's write queue into the local socket,
// preserving byte order per tunnel.
func (s *session) writeLocal(t *localTunnel) {
	for {
		select {
		case <-t.done:
			return
		case payload := <-t.writeCh:
			if _, err := t.conn.Write(payload); err != nil {
				s.closeTunnel(t.id, true)
				return
			}
		}
	}
}

// closeTunnel tears one tunnel down. notify controls whether the relay is
// told; frames the relay itself sent need no echo.
func (s *session) closeTunnel(id string, notify bool) {
	s.mu.Lock()
	t, ok := s.tunnels[id]
	if ok {
		delete(s.tunnels, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	t.close()
	if notify {
		s.enqueue(&tunnel.Frame{Type: tunnel.TypeTunnelClosed, TunnelID: id})
	}
	s.log.Info("tunnel closed", "tunnel", id)
}

// startExec launches the requested command and streams its output.
func (s *session) startExec(ctx context.Context, f *tunnel.Frame) {
	if f.ExecID == "" {
		return
	}
	execCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.execs[f.ExecID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.execs, f.ExecID)
			s.mu.Unlock()
		}()
		runCommand(execCtx, f.ExecID, f.Command, s.enqueue)
	}()
}
