// Package relay implements a tunnel relay node: it terminates agent and
// client WebSockets, multiplexes named TCP tunnels between them, fans out
// remote command executions, and publishes a load heartbeat so the manager
// can route each agent's clients to the right relay.
//
// Routing depends on the ingress pinning repeated connections for one agent
// to the same relay. The external balancer must consistent-hash WebSocket
// upgrades on the X-Agent-ID header; the manager sets that header whenever
// it dials a relay on behalf of a client.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/metrics"
	"github.com/migasfree/swarm-control/internal/store"
	"github.com/migasfree/swarm-control/internal/tunnel"
)

// wire is the transport surface of one connected peer. Implemented by the
// WebSocket pump in conn.go and by in-memory fakes in tests.
type wire interface {
	// enqueue offers a frame to the peer's bounded send queue without
	// blocking. False means the queue is full or the peer is closing.
	enqueue(f *tunnel.Frame) bool
	// shutdown closes the underlying connection. Idempotent.
	shutdown()
}

// peer is one connected WebSocket, agent or client.
type peer struct {
	wire
	agentID string // non-empty once a register_agent was accepted
	client  bool   // true once a connect_client was accepted
}

// tunnelEntry is one live tunnel. It exists only while both sides are alive.
type tunnelEntry struct {
	id        string
	agentID   string
	service   string
	client    *peer
	agent     *peer
	clientCN  string
	createdAt time.Time
}

// execEntry routes agent output for one in-flight command execution back to
// the client that requested it.
type execEntry struct {
	id      string
	agentID string
	client  *peer
}

// Hub holds all relay state. Every mutation happens under one mutex; all
// operations are O(1) map work, so the critical sections are short and never
// span network I/O.
type Hub struct {
	cfg      *config.Relay
	st       *store.Store
	log      *slog.Logger
	serverID string

	mu      sync.Mutex
	agents  map[string]*peer
	tunnels map[string]*tunnelEntry
	execs   map[string]*execEntry
}

// NewHub creates an empty hub. st may be nil in tests; directory writes are
// then skipped.
func NewHub(cfg *config.Relay, st *store.Store, serverID string, log *slog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		st:       st,
		log:      log,
		serverID: serverID,
		agents:   make(map[string]*peer),
		tunnels:  make(map[string]*tunnelEntry),
		execs:    make(map[string]*execEntry),
	}
}

// AgentCount reports the current load for the heartbeat.
func (h *Hub) AgentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

// HandleFrame dispatches one parsed frame from a peer. Unknown frame types
// are ignored so old relays survive protocol additions.
func (h *Hub) HandleFrame(ctx context.Context, p *peer, f *tunnel.Frame) {
	switch f.Type {
	case tunnel.TypeRegisterAgent:
		h.registerAgent(ctx, p, f)
	case tunnel.TypeConnectClient:
		h.connectClient(p)
	case tunnel.TypeListAgents:
		h.listAgents(p)
	case tunnel.TypeStartTCPTunnel:
		h.startTunnel(p, f)
	case tunnel.TypeTunnelData:
		h.routeData(f)
	case tunnel.TypeCloseTunnel, tunnel.TypeTunnelClosed:
		h.closeTunnel(f.TunnelID)
	case tunnel.TypeExecuteCommand:
		h.executeCommand(p, f)
	case tunnel.TypeExecOutput:
		h.forwardExec(f, false)
	case tunnel.TypeExecComplete, tunnel.TypeExecError:
		h.forwardExec(f, true)
	default:
		h.log.Debug("ignoring unknown frame type", "type", f.Type)
	}
}

// registerAgent admits an agent, replacing any stale connection with the
// same ID, and advertises it in the shared directory.
func (h *Hub) registerAgent(ctx context.Context, p *peer, f *tunnel.Frame) {
	if f.ID == "" {
		p.enqueue(tunnel.ErrorFrame("register_agent requires an id"))
		return
	}

	h.mu.Lock()
	if len(h.agents) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		metrics.RegistrationsRejected.Inc()
		h.log.Warn("agent rejected, relay full", "agent", f.ID, "max", h.cfg.MaxConnections)
		p.enqueue(tunnel.ErrorFrame("relay at capacity"))
		p.shutdown()
		return
	}
	if old, ok := h.agents[f.ID]; ok && old != p {
		old.shutdown()
		h.log.Warn("replaced stale agent connection", "agent", f.ID)
	}
	p.agentID = f.ID
	h.agents[f.ID] = p
	load := len(h.agents)
	h.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(load))

	if h.st != nil {
		rec := store.AgentRecord{
			ID:           f.ID,
			Hostname:     f.Name,
			Services:     f.Services,
			Info:         f.Info,
			ServerURL:    h.cfg.PublicURL,
			ServerIP:     h.cfg.InternalURL,
			RegisteredAt: time.Now().Unix(),
		}
		// relay_url is owned by the manager's register endpoint; carry the
		// current assignment forward instead of clobbering it.
		if prev, err := h.st.GetAgent(ctx, f.ID); err == nil {
			rec.RelayURL = prev.RelayURL
		}
		if err := h.st.SaveAgent(ctx, rec); err != nil {
			// Directory degradation must not kill the session.
			h.log.Warn("agent directory write failed", "agent", f.ID, "error", err)
		}
	}

	h.log.Info("agent registered", "agent", f.ID, "hostname", f.Name, "load", load)
	p.enqueue(&tunnel.Frame{Type: tunnel.TypeRegistrationOK, ID: f.ID})
}

func (h *Hub) connectClient(p *peer) {
	h.mu.Lock()
	p.client = true
	h.mu.Unlock()
	p.enqueue(&tunnel.Frame{Type: tunnel.TypeConnectionOK})
}

func (h *Hub) listAgents(p *peer) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	p.enqueue(&tunnel.Frame{Type: tunnel.TypeAgentList, Agents: ids})
}

// startTunnel wires a client to an agent registered on this relay. The
// sticky balancer upstream guarantees the agent is local; a miss means the
// client was routed wrong or the agent just dropped.
func (h *Hub) startTunnel(p *peer, f *tunnel.Frame) {
	if f.TunnelID == "" || f.ID == "" {
		p.enqueue(tunnel.ErrorFrame("start_tcp_tunnel requires id and tunnel_id"))
		return
	}

	h.mu.Lock()
	agent, ok := h.agents[f.ID]
	if !ok {
		h.mu.Unlock()
		p.enqueue(tunnel.ErrorFrame("agent " + f.ID + " is not connected to this relay"))
		return
	}
	h.tunnels[f.TunnelID] = &tunnelEntry{
		id:        f.TunnelID,
		agentID:   f.ID,
		service:   f.Service,
		client:    p,
		agent:     agent,
		clientCN:  f.ClientCN,
		createdAt: time.Now(),
	}
	total := len(h.tunnels)
	h.mu.Unlock()

	metrics.ActiveTunnels.Set(float64(total))

	agent.enqueue(&tunnel.Frame{
		Type:     tunnel.TypeStartTCPTunnel,
		TunnelID: f.TunnelID,
		Service:  f.Service,
		ClientCN: f.ClientCN,
	})
	p.enqueue(&tunnel.Frame{
		Type:     tunnel.TypeTunnelStarted,
		TunnelID: f.TunnelID,
		ID:       f.ID,
		Service:  f.Service,
	})
	h.log.Info("tunnel started", "tunnel", f.TunnelID, "agent", f.ID, "service", f.Service)
}

// routeData forwards one tunnel_data frame strictly by origin. Frames for
// unknown tunnels are dropped.
func (h *Hub) routeData(f *tunnel.Frame) {
	h.mu.Lock()
	t, ok := h.tunnels[f.TunnelID]
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.TunnelBytes.WithLabelValues(f.Origin).Add(float64(len(f.Data) / 2))

	var dst *peer
	if f.Origin == tunnel.OriginClient {
		dst = t.agent
	} else {
		dst = t.client
	}
	if !dst.enqueue(f) {
		// Send queue overflow: the receiving side has stalled. Tear the
		// tunnel down rather than buffering unboundedly.
		h.log.Warn("tunnel peer stalled, closing", "tunnel", f.TunnelID)
		h.closeTunnel(f.TunnelID)
	}
}

// closeTunnel removes a tunnel and signals both sides. Safe to call for
// already-closed tunnels.
func (h *Hub) closeTunnel(id string) {
	h.mu.Lock()
	t, ok := h.tunnels[id]
	if ok {
		delete(h.tunnels, id)
	}
	total := len(h.tunnels)
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.ActiveTunnels.Set(float64(total))
	t.client.enqueue(&tunnel.Frame{Type: tunnel.TypeTunnelClosed, TunnelID: id})
	t.agent.enqueue(&tunnel.Frame{Type: tunnel.TypeCloseTCPTunnel, TunnelID: id})
	h.log.Info("tunnel closed", "tunnel", id, "agent", t.agentID,
		"lifetime", time.Since(t.createdAt).Round(time.Millisecond))
}

// executeCommand records an exec session and forwards the command to the
// target agent.
func (h *Hub) executeCommand(p *peer, f *tunnel.Frame) {
	if f.ExecID == "" || f.ID == "" {
		p.enqueue(tunnel.ErrorFrame("execute_command requires id and exec_id"))
		return
	}

	h.mu.Lock()
	agent, ok := h.agents[f.ID]
	if !ok {
		h.mu.Unlock()
		p.enqueue(tunnel.ErrorFrame("agent " + f.ID + " is not connected to this relay"))
		return
	}
	h.execs[f.ExecID] = &execEntry{id: f.ExecID, agentID: f.ID, client: p}
	total := len(h.execs)
	h.mu.Unlock()

	metrics.ActiveExecSessions.Set(float64(total))

	agent.enqueue(&tunnel.Frame{
		Type:     tunnel.TypeExecuteCommand,
		ExecID:   f.ExecID,
		Command:  f.Command,
		ClientCN: f.ClientCN,
	})
	p.enqueue(&tunnel.Frame{
		Type:    tunnel.TypeExecStarted,
		ExecID:  f.ExecID,
		ID:      f.ID,
		Command: f.Command,
	})
	h.log.Info("exec started", "exec", f.ExecID, "agent", f.ID, "command", f.Command)
}

// forwardExec delivers agent exec output solely to the session's client.
// Output for unknown exec ids is dropped, never broadcast. Terminal frames
// delete the session.
func (h *Hub) forwardExec(f *tunnel.Frame, terminal bool) {
	h.mu.Lock()
	e, ok := h.execs[f.ExecID]
	if ok && terminal {
		delete(h.execs, f.ExecID)
	}
	total := len(h.execs)
	h.mu.Unlock()
	if !ok {
		return
	}

	if terminal {
		metrics.ActiveExecSessions.Set(float64(total))
	}
	e.client.enqueue(f)
}

// Disconnect cleans up after a peer's WebSocket ends: its tunnels are closed
// (with the opposite side notified), its exec sessions removed, and, for
// agents, the directory entry deleted.
func (h *Hub) Disconnect(ctx context.Context, p *peer) {
	h.mu.Lock()
	if p.agentID != "" {
		if cur, ok := h.agents[p.agentID]; ok && cur == p {
			delete(h.agents, p.agentID)
		}
	}
	load := len(h.agents)

	var toClose []string
	for id, t := range h.tunnels {
		if t.client == p || t.agent == p {
			toClose = append(toClose, id)
		}
	}
	var failedExecs []*execEntry
	for id, e := range h.execs {
		if e.client == p {
			delete(h.execs, id)
		} else if p.agentID != "" && e.agentID == p.agentID {
			delete(h.execs, id)
			failedExecs = append(failedExecs, e)
		}
	}
	execTotal := len(h.execs)
	h.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(load))
	metrics.ActiveExecSessions.Set(float64(execTotal))

	for _, id := range toClose {
		h.closeTunnel(id)
	}
	for _, e := range failedExecs {
		e.client.enqueue(&tunnel.Frame{
			Type:   tunnel.TypeExecError,
			ExecID: e.id,
			Error:  "agent disconnected",
		})
	}

	if p.agentID != "" {
		if h.st != nil {
			if err := h.st.DeleteAgent(ctx, p.agentID); err != nil {
				h.log.Warn("agent directory delete failed", "agent", p.agentID, "error", err)
			}
		}
		h.log.Info("agent disconnected", "agent", p.agentID, "load", load)
	}
}

// RefreshAgents extends the directory TTL of every connected agent. Run on
// a 30 s cadence so records outlive brief Redis hiccups but expire within
// 300 s of a real disconnect.
func (h *Hub) RefreshAgents(ctx context.Context) {
	if h.st == nil {
		return
	}
	h.mu.Lock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.st.TouchAgent(ctx, id); err != nil {
			h.log.Warn("agent TTL refresh failed", "agent", id, "error", err)
		}
	}
}

// Heartbeat publishes this relay's load record. Failures are logged and
// retried on the next tick; the manager treats a missing heartbeat as a dead
// relay within RelayTTL.
func (h *Hub) Heartbeat(ctx context.Context, hostname string) {
	if h.st == nil {
		return
	}
	rec := store.RelayRecord{
		ID:             h.serverID,
		URL:            h.cfg.PublicURL,
		InternalURL:    h.cfg.InternalURL,
		Hostname:       hostname,
		Load:           h.AgentCount(),
		MaxConnections: h.cfg.MaxConnections,
	}
	if err := h.st.SaveRelayHeartbeat(ctx, rec); err != nil {
		h.log.Warn("heartbeat write failed", "error", err)
	}
}
