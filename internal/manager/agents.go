package manager

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/migasfree/swarm-control/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

type registerRequest struct {
	AgentID  string         `json:"agent_id"`
	Hostname string         `json:"hostname"`
	Info     map[string]any `json:"info"`
}

// handleRegister assigns the least-loaded live relay to an agent and records
// the assignment. This is the only place relay_url is ever written.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}

	ctx := r.Context()
	relayURL := s.cfg.DefaultRelayURL
	serverIP := ""
	relay, err := s.deps.Store.PickRelay(ctx)
	switch {
	case err == nil:
		relayURL = relay.URL
		serverIP = relay.InternalURL
	case errors.Is(err, store.ErrNotFound):
		s.log.Warn("no live relays, assigning fallback", "agent", req.AgentID, "fallback", relayURL)
	default:
		s.log.Error("relay lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "relay directory unavailable")
		return
	}

	rec, err := s.deps.Store.GetAgent(ctx, req.AgentID)
	if err != nil {
		rec = store.AgentRecord{ID: req.AgentID}
	}
	rec.Hostname = req.Hostname
	rec.Info = req.Info
	rec.RelayURL = relayURL
	rec.ServerIP = serverIP
	rec.RegisteredAt = time.Now().Unix()

	if err := s.deps.Store.SaveAgent(ctx, rec); err != nil {
		s.log.Error("agent record write failed", "agent", req.AgentID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "agent directory unavailable")
		return
	}

	s.log.Info("relay assigned", "agent", req.AgentID, "relay", relayURL)
	writeJSON(w, http.StatusOK, map[string]string{"relay_url": relayURL})
}

// handleListAgents pages through the directory. The optional q filter
// matches hostnames case-insensitively within the requested page.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", defaultPageLimit)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	agents, err := s.deps.Store.ListAgents(r.Context())
	if err != nil {
		s.log.Error("agent list failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "agent directory unavailable")
		return
	}
	total := len(agents)

	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	pageAgents := agents[start:end]

	if q := strings.ToLower(r.URL.Query().Get("q")); q != "" {
		filtered := pageAgents[:0:0]
		for _, a := range pageAgents {
			if strings.Contains(strings.ToLower(a.Hostname), q) {
				filtered = append(filtered, a)
			}
		}
		pageAgents = filtered
	}
	if pageAgents == nil {
		pageAgents = []store.AgentRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": pageAgents,
		"total":  total,
		"page":   page,
		"limit":  limit,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Store.GetAgent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.log.Error("agent read failed", "agent", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "agent directory unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleTunnelHealth summarises the tunnel fabric.
func (s *Server) handleTunnelHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	relays, err := s.deps.Store.ListRelays(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "relay directory unavailable")
		return
	}
	agents, err := s.deps.Store.ListAgents(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "agent directory unavailable")
		return
	}

	load := 0
	for _, rel := range relays {
		load += rel.Load
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"relays": len(relays),
		"agents": len(agents),
		"load":   load,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
