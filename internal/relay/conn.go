package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/migasfree/swarm-control/internal/tunnel"
)

const (
	// sendQueueSize bounds the per-peer outbound queue. A peer that stays
	// this far behind is torn down instead of buffering without limit.
	sendQueueSize = 100

	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// wsPeer pumps frames between the hub and one gorilla WebSocket.
type wsPeer struct {
	conn *websocket.Conn
	send chan *tunnel.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		conn: conn,
		send: make(chan *tunnel.Frame, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (w *wsPeer) enqueue(f *tunnel.Frame) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.send <- f:
		return true
	default:
		return false
	}
}

func (w *wsPeer) shutdown() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

// writePump serialises all writes to the socket: queued frames plus the
// 30 s keepalive pings. Exits when the peer shuts down or a write fails.
func (w *wsPeer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case f := <-w.send:
			data, err := f.Marshal()
			if err != nil {
				continue
			}
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.shutdown()
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.shutdown()
				return
			}
		}
	}
}

// readPump reads frames and dispatches them to the hub until the socket
// dies or the 60 s pong deadline lapses. Runs on the connection goroutine.
func (w *wsPeer) readPump(ctx context.Context, hub *Hub) {
	p := &peer{wire: w}
	defer func() {
		hub.Disconnect(ctx, p)
		w.shutdown()
	}()

	_ = w.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := tunnel.Parse(data)
		if err != nil {
			hub.log.Debug("dropping unparsable frame", "error", err)
			continue
		}
		hub.HandleFrame(ctx, p, f)
	}
}
