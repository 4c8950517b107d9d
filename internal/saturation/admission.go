package saturation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/metrics"
	"github.com/migasfree/swarm-control/internal/store"
)

// retryMultiplier scales the drain interval into the retry_after hint, so a
// deferred client skips a few drain rounds before asking again.
const retryMultiplier = 5

var cnPattern = regexp.MustCompile(`/CN=([^/]+)`)

// Admission is the public availability gate. Every request counts as an
// attempt; saturated requests are parked on the sync queue and told when to
// come back.
type Admission struct {
	cfg *config.Manager
	st  *store.Store
	log *slog.Logger
}

func NewAdmission(cfg *config.Manager, st *store.Store, log *slog.Logger) *Admission {
	return &Admission{cfg: cfg, st: st, log: log}
}

func (a *Admission) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := a.st.IncrAttempts(ctx); err != nil {
		a.log.Warn("attempts increment failed", "error", err)
	}

	cur, err := a.st.CurrentMetric(ctx)
	if err != nil {
		a.log.Warn("current metric read failed", "error", err)
		// No snapshot means no evidence of saturation; admit.
	}

	if !cur.Saturated {
		metrics.SyncAttempts.WithLabelValues("ok").Inc()
		respond(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	if uuid, ok := clientUUID(r.Header.Get("X-SSL-Client-CN")); ok {
		added, err := a.st.EnqueueSync(ctx, uuid)
		if err != nil {
			a.log.Warn("sync enqueue failed", "uuid", uuid, "error", err)
		} else if added {
			a.queueDepth(ctx)
			a.log.Info("sync deferred", "uuid", uuid)
		}
	}

	metrics.SyncAttempts.WithLabelValues("saturated").Inc()
	respond(w, http.StatusTooManyRequests, map[string]any{
		"status":      "saturated",
		"retry_after": int(a.cfg.SyncQueueProcessInterval/time.Second) * retryMultiplier,
	})
}

func (a *Admission) queueDepth(ctx context.Context) {
	if n, err := a.st.SyncQueueLen(ctx); err == nil {
		metrics.SyncQueueDepth.Set(float64(n))
	}
}

// clientUUID recovers the device UUID from the mTLS subject header. The CN
// has the form "<uuid>_<cert-id>"; the uuid itself may contain underscores,
// so only the last segment is stripped.
func clientUUID(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	cn := header
	if m := cnPattern.FindStringSubmatch(header); m != nil {
		cn = m[1]
	}
	idx := strings.LastIndex(cn, "_")
	if idx <= 0 {
		return "", false
	}
	return cn[:idx], true
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
