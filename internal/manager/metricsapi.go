package manager

import (
	_ "embed"
	"net/http"
	"time"
)

//go:embed static/dashboard.html
var dashboardHTML []byte

// handleMetricsJSON returns the current saturation snapshot, the retained
// history and the configured limits in one payload for the dashboard.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	current, err := s.deps.Store.CurrentMetric(ctx)
	if err != nil {
		s.log.Error("current metric read failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}

	since := time.Now().Add(-s.cfg.MetricsRetentionLimit).Unix()
	history, err := s.deps.Store.MetricHistory(ctx, since)
	if err != nil {
		s.log.Error("metric history read failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"current": current,
		"history": history,
		"limits": map[string]any{
			"db_latency":         s.cfg.SyncMaxDBLatency,
			"core_cpu":           s.cfg.SyncMaxCoreLoad,
			"recording_interval": int(s.cfg.MetricsRecordingInterval / time.Second),
		},
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(dashboardHTML)
}

// handleInfo identifies this deployment for the admin console.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stack":         s.cfg.Stack,
		"fqdn":          s.cfg.FQDN,
		"version":       s.deps.Version,
		"swarm_manager": s.deps.SwarmManager,
	})
}
