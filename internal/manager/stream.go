package manager

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/migasfree/swarm-control/internal/events"
)

const (
	sseKeepalive   = 30 * time.Second
	initialLogTail = 50
)

// handleStream serves the live status console: an initial snapshot of every
// known service, the recent log tail, then events as they happen. A
// keepalive comment goes out every 30 s so intermediaries keep the
// connection open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before snapshotting so nothing falls in the gap.
	ch, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	if s.deps.Monitor != nil {
		for name, st := range s.deps.Monitor.Snapshot() {
			writeSSE(w, events.SSEEvent{
				Type:      events.EventStatus,
				Service:   name,
				Data:      st,
				Timestamp: time.Now(),
			})
		}
		for _, entry := range s.deps.Monitor.RecentLogs(initialLogTail) {
			writeSSE(w, events.SSEEvent{
				Type:      events.EventLog,
				Service:   entry.Service,
				Data:      entry,
				Timestamp: entry.Timestamp,
			})
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, evt events.SSEEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
}
