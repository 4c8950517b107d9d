package saturation

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/metrics"
	"github.com/migasfree/swarm-control/internal/store"
)

// syncCommand is what a drained endpoint runs to perform its deferred
// synchronization.
const syncCommand = "migasfree sync"

// capacityFloor below which the system is considered too loaded to drain at
// all, even though it is formally unsaturated.
const capacityFloor = 0.05

// Executor runs a command on one agent and waits for completion. Implemented
// by the manager's relay exec client.
type Executor interface {
	Exec(ctx context.Context, agentID, command string) error
}

// Drainer releases queued sync requests in load-proportional batches.
type Drainer struct {
	cfg  *config.Manager
	st   *store.Store
	db   Database
	exec Executor
	log  *slog.Logger
}

func NewDrainer(cfg *config.Manager, st *store.Store, db Database, exec Executor, log *slog.Logger) *Drainer {
	return &Drainer{cfg: cfg, st: st, db: db, exec: exec, log: log}
}

// Drain runs one round. Saturated rounds are skipped entirely; otherwise the
// batch size shrinks as core CPU approaches the saturation threshold.
func (d *Drainer) Drain(ctx context.Context) {
	cur, err := d.st.CurrentMetric(ctx)
	if err != nil {
		d.log.Warn("current metric read failed", "error", err)
		return
	}
	if cur.Saturated {
		d.log.Debug("skipping drain round, still saturated")
		return
	}

	batch := batchSize(cur.CoreCPU, d.cfg.SyncMaxCoreLoad, d.cfg.SyncMaxConcurrency)
	if batch == 0 {
		d.log.Debug("no drain capacity", "core_cpu", cur.CoreCPU)
		return
	}

	uuids, err := d.st.DequeueSync(ctx, batch)
	if err != nil {
		d.log.Warn("sync dequeue failed", "error", err)
		return
	}
	if len(uuids) == 0 {
		return
	}
	d.log.Info("draining sync queue", "count", len(uuids), "batch", batch)

	g, gctx := errgroup.WithContext(ctx)
	for _, uuid := range uuids {
		g.Go(func() error {
			d.drainOne(gctx, uuid)
			return nil
		})
	}
	_ = g.Wait()

	if n, err := d.st.SyncQueueLen(ctx); err == nil {
		metrics.SyncQueueDepth.Set(float64(n))
	}
}

// drainOne maps one queued UUID to its computer and triggers its sync.
// Failures are logged, not retried: the endpoint retries on its own schedule.
func (d *Drainer) drainOne(ctx context.Context, uuid string) {
	cid, err := d.db.LookupComputerID(ctx, uuid)
	if err != nil {
		metrics.SyncDrained.WithLabelValues("unknown_uuid").Inc()
		d.log.Warn("queued uuid has no computer", "uuid", uuid, "error", err)
		return
	}

	agentID := fmt.Sprintf("CID-%d", cid)
	if err := d.exec.Exec(ctx, agentID, syncCommand); err != nil {
		metrics.SyncDrained.WithLabelValues("error").Inc()
		d.log.Warn("drain exec failed", "agent", agentID, "error", err)
		return
	}
	metrics.SyncDrained.WithLabelValues("ok").Inc()
	d.log.Info("sync drained", "agent", agentID)
}

// batchSize converts spare core capacity into a parallel drain batch.
func batchSize(coreCPU, maxLoad float64, maxConcurrency int) int {
	if maxLoad <= 0 {
		return 0
	}
	factor := 1 - coreCPU/maxLoad
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	if factor <= capacityFloor {
		return 0
	}
	batch := int(math.Floor(float64(maxConcurrency) * factor))
	if batch < 1 {
		batch = 1
	}
	return batch
}
