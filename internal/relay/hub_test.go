package relay

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/tunnel"
)

// fakeWire records everything the hub sends to a peer.
type fakeWire struct {
	mu     sync.Mutex
	frames []*tunnel.Frame
	closed bool
	full   bool // when set, enqueue reports overflow
}

func (f *fakeWire) enqueue(fr *tunnel.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.frames = append(f.frames, fr)
	return true
}

func (f *fakeWire) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeWire) lastFrame() *tunnel.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeWire) framesOfType(t string) []*tunnel.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tunnel.Frame
	for _, fr := range f.frames {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

func newTestHub(maxConnections int) *Hub {
	cfg := &config.Relay{
		Common:         config.Common{FQDN: "fleet.example.com", Stack: "migasfree"},
		PublicURL:      "wss://fleet.example.com/tunnel",
		InternalURL:    "ws://relay-test:8080",
		MaxConnections: maxConnections,
	}
	return NewHub(cfg, nil, "relay-test", slog.Default())
}

func registerAgent(t *testing.T, h *Hub, id string) (*peer, *fakeWire) {
	t.Helper()
	w := &fakeWire{}
	p := &peer{wire: w}
	h.HandleFrame(context.Background(), p, &tunnel.Frame{
		Type:     tunnel.TypeRegisterAgent,
		ID:       id,
		Name:     "host-" + id,
		Services: map[string]int{"ssh": 22},
	})
	if got := w.lastFrame(); got == nil || got.Type != tunnel.TypeRegistrationOK {
		t.Fatalf("agent %s registration reply = %+v, want registration_ok", id, got)
	}
	return p, w
}

func connectClient(t *testing.T, h *Hub) (*peer, *fakeWire) {
	t.Helper()
	w := &fakeWire{}
	p := &peer{wire: w}
	h.HandleFrame(context.Background(), p, &tunnel.Frame{Type: tunnel.TypeConnectClient})
	if got := w.lastFrame(); got == nil || got.Type != tunnel.TypeConnectionOK {
		t.Fatalf("client connect reply = %+v, want connection_ok", got)
	}
	return p, w
}

func TestRegisterAgentAtCapacity(t *testing.T) {
	h := newTestHub(1)
	registerAgent(t, h, "CID-1")

	w := &fakeWire{}
	p := &peer{wire: w}
	h.HandleFrame(context.Background(), p, &tunnel.Frame{Type: tunnel.TypeRegisterAgent, ID: "CID-2"})

	got := w.lastFrame()
	if got == nil || got.Type != tunnel.TypeError {
		t.Fatalf("over-capacity reply = %+v, want error", got)
	}
	if !w.closed {
		t.Error("over-capacity connection should be closed")
	}
	if h.AgentCount() != 1 {
		t.Errorf("AgentCount = %d, want 1", h.AgentCount())
	}
}

func TestRegisterAgentReplacesStaleConnection(t *testing.T) {
	h := newTestHub(10)
	_, oldWire := registerAgent(t, h, "CID-1")
	registerAgent(t, h, "CID-1")

	if !oldWire.closed {
		t.Error("stale connection should be shut down on re-registration")
	}
	if h.AgentCount() != 1 {
		t.Errorf("AgentCount = %d, want 1 after replacement", h.AgentCount())
	}
}

func TestRegisterAgentRequiresID(t *testing.T) {
	h := newTestHub(10)
	w := &fakeWire{}
	h.HandleFrame(context.Background(), &peer{wire: w}, &tunnel.Frame{Type: tunnel.TypeRegisterAgent})
	if got := w.lastFrame(); got == nil || got.Type != tunnel.TypeError {
		t.Fatalf("reply = %+v, want error", got)
	}
}

func TestListAgents(t *testing.T) {
	h := newTestHub(10)
	registerAgent(t, h, "CID-1")
	registerAgent(t, h, "CID-2")
	_, cw := connectClient(t, h)

	h.HandleFrame(context.Background(), &peer{wire: cw}, &tunnel.Frame{Type: tunnel.TypeListAgents})
	got := cw.lastFrame()
	if got.Type != tunnel.TypeAgentList || len(got.Agents) != 2 {
		t.Fatalf("list reply = %+v, want agent_list with 2 agents", got)
	}
}

func TestStartTunnelUnknownAgent(t *testing.T) {
	h := newTestHub(10)
	cp, cw := connectClient(t, h)

	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type:     tunnel.TypeStartTCPTunnel,
		ID:       "CID-missing",
		TunnelID: "web-1",
		Service:  "ssh",
	})
	got := cw.lastFrame()
	if got.Type != tunnel.TypeError {
		t.Fatalf("reply = %+v, want error for unknown agent", got)
	}
}

func TestTunnelDataRoutesByOrigin(t *testing.T) {
	h := newTestHub(10)
	_, aw := registerAgent(t, h, "CID-1")
	cp, cw := connectClient(t, h)

	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type:     tunnel.TypeStartTCPTunnel,
		ID:       "CID-1",
		TunnelID: "web-1",
		Service:  "ssh",
	})
	if got := cw.lastFrame(); got.Type != tunnel.TypeTunnelStarted {
		t.Fatalf("client reply = %+v, want tunnel_started", got)
	}
	if got := aw.lastFrame(); got.Type != tunnel.TypeStartTCPTunnel || got.TunnelID != "web-1" {
		t.Fatalf("agent should receive start_tcp_tunnel, got %+v", got)
	}

	// client -> agent
	h.HandleFrame(context.Background(), cp, tunnel.DataFrame("web-1", tunnel.OriginClient, []byte("hello")))
	if got := aw.lastFrame(); got.Type != tunnel.TypeTunnelData || got.Origin != tunnel.OriginClient {
		t.Fatalf("agent data frame = %+v", got)
	}

	// agent -> client
	h.HandleFrame(context.Background(), nil, tunnel.DataFrame("web-1", tunnel.OriginAgent, []byte("world")))
	got := cw.lastFrame()
	if got.Type != tunnel.TypeTunnelData || got.Origin != tunnel.OriginAgent {
		t.Fatalf("client data frame = %+v", got)
	}
	payload, err := tunnel.DecodePayload(got.Data)
	if err != nil || string(payload) != "world" {
		t.Errorf("payload = %q (%v), want world", payload, err)
	}
}

func TestTunnelDataUnknownTunnelDropped(t *testing.T) {
	h := newTestHub(10)
	_, aw := registerAgent(t, h, "CID-1")

	before := len(aw.frames)
	h.HandleFrame(context.Background(), nil, tunnel.DataFrame("no-such", tunnel.OriginClient, []byte("x")))
	if len(aw.frames) != before {
		t.Error("data for unknown tunnel must be dropped")
	}
}

func TestCloseTunnelNotifiesBothSides(t *testing.T) {
	h := newTestHub(10)
	_, aw := registerAgent(t, h, "CID-1")
	cp, cw := connectClient(t, h)

	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type: tunnel.TypeStartTCPTunnel, ID: "CID-1", TunnelID: "web-1",
	})
	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type: tunnel.TypeCloseTunnel, TunnelID: "web-1",
	})

	if frames := cw.framesOfType(tunnel.TypeTunnelClosed); len(frames) != 1 {
		t.Errorf("client tunnel_closed frames = %d, want 1", len(frames))
	}
	if frames := aw.framesOfType(tunnel.TypeCloseTCPTunnel); len(frames) != 1 {
		t.Errorf("agent close_tcp_tunnel frames = %d, want 1", len(frames))
	}

	// Closing twice is harmless.
	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type: tunnel.TypeCloseTunnel, TunnelID: "web-1",
	})
	if frames := cw.framesOfType(tunnel.TypeTunnelClosed); len(frames) != 1 {
		t.Errorf("double close sent %d tunnel_closed frames, want 1", len(frames))
	}
}

func TestStalledPeerTearsDownTunnel(t *testing.T) {
	h := newTestHub(10)
	_, aw := registerAgent(t, h, "CID-1")
	cp, cw := connectClient(t, h)

	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type: tunnel.TypeStartTCPTunnel, ID: "CID-1", TunnelID: "web-1",
	})

	// Simulate agent-side backpressure: its queue stops accepting.
	aw.mu.Lock()
	aw.full = true
	aw.mu.Unlock()

	h.HandleFrame(context.Background(), cp, tunnel.DataFrame("web-1", tunnel.OriginClient, []byte("x")))

	if frames := cw.framesOfType(tunnel.TypeTunnelClosed); len(frames) != 1 {
		t.Errorf("client should see tunnel_closed after peer stall, got %d", len(frames))
	}
}

func TestExecFanOut(t *testing.T) {
	h := newTestHub(10)
	_, aw := registerAgent(t, h, "CID-1")
	cp, cw := connectClient(t, h)
	_, otherW := connectClient(t, h)

	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type:    tunnel.TypeExecuteCommand,
		ID:      "CID-1",
		ExecID:  "ex-1",
		Command: "migasfree sync",
	})
	if got := cw.lastFrame(); got.Type != tunnel.TypeExecStarted {
		t.Fatalf("client reply = %+v, want exec_started", got)
	}
	if got := aw.lastFrame(); got.Type != tunnel.TypeExecuteCommand || got.Command != "migasfree sync" {
		t.Fatalf("agent should receive execute_command, got %+v", got)
	}

	// Output goes only to the initiating client.
	h.HandleFrame(context.Background(), nil, &tunnel.Frame{
		Type: tunnel.TypeExecOutput, ExecID: "ex-1", Data: "line1",
	})
	if got := cw.lastFrame(); got.Type != tunnel.TypeExecOutput {
		t.Fatalf("client output frame = %+v", got)
	}
	if frames := otherW.framesOfType(tunnel.TypeExecOutput); len(frames) != 0 {
		t.Error("exec output must never be broadcast to other clients")
	}

	// Completion ends the session; later output is dropped.
	h.HandleFrame(context.Background(), nil, &tunnel.Frame{
		Type: tunnel.TypeExecComplete, ExecID: "ex-1",
	})
	before := len(cw.frames)
	h.HandleFrame(context.Background(), nil, &tunnel.Frame{
		Type: tunnel.TypeExecOutput, ExecID: "ex-1", Data: "late",
	})
	if len(cw.frames) != before {
		t.Error("output after exec_complete must be dropped")
	}
}

func TestExecOutputUnknownSessionDropped(t *testing.T) {
	h := newTestHub(10)
	_, cw := connectClient(t, h)

	before := len(cw.frames)
	h.HandleFrame(context.Background(), nil, &tunnel.Frame{
		Type: tunnel.TypeExecOutput, ExecID: "ghost", Data: "x",
	})
	if len(cw.frames) != before {
		t.Error("output for unknown exec_id must be dropped, not broadcast")
	}
}

func TestAgentDisconnectClosesTunnelsAndExecs(t *testing.T) {
	h := newTestHub(10)
	ap, _ := registerAgent(t, h, "CID-1")
	cp, cw := connectClient(t, h)

	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type: tunnel.TypeStartTCPTunnel, ID: "CID-1", TunnelID: "web-1",
	})
	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type: tunnel.TypeExecuteCommand, ID: "CID-1", ExecID: "ex-1", Command: "uptime",
	})

	h.Disconnect(context.Background(), ap)

	if h.AgentCount() != 0 {
		t.Errorf("AgentCount = %d, want 0", h.AgentCount())
	}
	if frames := cw.framesOfType(tunnel.TypeTunnelClosed); len(frames) != 1 {
		t.Errorf("client tunnel_closed frames = %d, want 1", len(frames))
	}
	frames := cw.framesOfType(tunnel.TypeExecError)
	if len(frames) != 1 {
		t.Fatalf("client exec_error frames = %d, want 1", len(frames))
	}
	if frames[0].Error == "" || frames[0].Message != "" {
		t.Errorf("exec_error frame = %+v, want its text in the error field", frames[0])
	}
}

func TestClientDisconnectClosesItsTunnels(t *testing.T) {
	h := newTestHub(10)
	_, aw := registerAgent(t, h, "CID-1")
	cp, _ := connectClient(t, h)

	h.HandleFrame(context.Background(), cp, &tunnel.Frame{
		Type: tunnel.TypeStartTCPTunnel, ID: "CID-1", TunnelID: "web-1",
	})
	h.Disconnect(context.Background(), cp)

	if frames := aw.framesOfType(tunnel.TypeCloseTCPTunnel); len(frames) != 1 {
		t.Errorf("agent close_tcp_tunnel frames = %d, want 1", len(frames))
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	h := newTestHub(10)
	cp, cw := connectClient(t, h)

	before := len(cw.frames)
	h.HandleFrame(context.Background(), cp, &tunnel.Frame{Type: "future_frame"})
	if len(cw.frames) != before {
		t.Error("unknown frame types must be ignored silently")
	}
}
