package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/migasfree/swarm-control/internal/store"
	"github.com/migasfree/swarm-control/internal/tunnel"
)

const (
	relayDialTimeout  = 10 * time.Second
	relayReplyTimeout = 15 * time.Second
	relayWriteTimeout = 10 * time.Second
	execTimeout       = 10 * time.Minute
)

// relayConn is a client-side connection to one relay, speaking the tunnel
// protocol on behalf of a browser session or the queue drainer.
type relayConn struct {
	ws *websocket.Conn
	mu sync.Mutex // serialises writes
}

// dialRelay opens a relay WebSocket with the sticky routing header and
// performs the connect_client handshake.
func dialRelay(ctx context.Context, relayURL, agentID string) (*relayConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: relayDialTimeout}
	header := http.Header{"X-Agent-ID": []string{agentID}}

	ws, resp, err := dialer.DialContext(ctx, relayURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing relay %s: %w (status %d)", relayURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing relay %s: %w", relayURL, err)
	}

	c := &relayConn{ws: ws}
	if err := c.send(&tunnel.Frame{Type: tunnel.TypeConnectClient, Mode: "client"}); err != nil {
		c.close()
		return nil, err
	}
	if _, err := c.await(tunnel.TypeConnectionOK); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *relayConn) send(f *tunnel.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// read returns the next parsed frame, skipping non-text messages.
func (c *relayConn) read() (*tunnel.Frame, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := tunnel.Parse(data)
		if err != nil {
			continue
		}
		return f, nil
	}
}

// await reads until a frame of the wanted type arrives. An error frame
// aborts the wait; anything else is skipped.
func (c *relayConn) await(wantType string) (*tunnel.Frame, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(relayReplyTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		f, err := c.read()
		if err != nil {
			return nil, fmt.Errorf("awaiting %s: %w", wantType, err)
		}
		switch f.Type {
		case wantType:
			return f, nil
		case tunnel.TypeError:
			return nil, fmt.Errorf("relay rejected: %s", f.Message)
		}
	}
}

// startTunnel initiates a named tunnel and waits for the relay to confirm.
func (c *relayConn) startTunnel(agentID, tunnelID, service, clientCN string) error {
	err := c.send(&tunnel.Frame{
		Type:     tunnel.TypeStartTCPTunnel,
		ID:       agentID,
		TunnelID: tunnelID,
		Service:  service,
		ClientCN: clientCN,
	})
	if err != nil {
		return err
	}
	_, err = c.await(tunnel.TypeTunnelStarted)
	return err
}

func (c *relayConn) close() {
	_ = c.ws.Close()
}

// relayAddr picks the overlay-internal relay address when the directory has
// one, falling back to the public URL.
func relayAddr(rec store.AgentRecord) (string, error) {
	if rec.ServerIP != "" {
		return rec.ServerIP, nil
	}
	if rec.ServerURL != "" {
		return rec.ServerURL, nil
	}
	return "", errors.New("agent record has no relay address")
}

// ExecClient runs remote commands over the tunnel fabric. It satisfies the
// drainer's executor interface.
type ExecClient struct {
	st  *store.Store
	log *slog.Logger
}

func NewExecClient(st *store.Store, log *slog.Logger) *ExecClient {
	return &ExecClient{st: st, log: log}
}

// Exec opens a dedicated relay connection, runs one command on the agent
// and waits for completion. Output is consumed and discarded; only the
// outcome matters to callers.
func (e *ExecClient) Exec(ctx context.Context, agentID, command string) error {
	rec, err := e.st.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent %s not in directory: %w", agentID, err)
	}
	addr, err := relayAddr(rec)
	if err != nil {
		return err
	}

	conn, err := dialRelay(ctx, addr, agentID)
	if err != nil {
		return err
	}
	defer conn.close()

	execID := uuid.NewString()
	err = conn.send(&tunnel.Frame{
		Type:    tunnel.TypeExecuteCommand,
		ID:      agentID,
		ExecID:  execID,
		Command: command,
	})
	if err != nil {
		return err
	}
	if _, err := conn.await(tunnel.TypeExecStarted); err != nil {
		return err
	}

	deadline := execTimeout
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	_ = conn.ws.SetReadDeadline(time.Now().Add(deadline))

	for {
		f, err := conn.read()
		if err != nil {
			return fmt.Errorf("exec %s on %s: %w", execID, agentID, err)
		}
		switch f.Type {
		case tunnel.TypeExecComplete:
			if f.ExecID == execID {
				return nil
			}
		case tunnel.TypeExecError:
			if f.ExecID == execID {
				return fmt.Errorf("exec failed on %s: %s", agentID, f.Error)
			}
		}
	}
}
