// Package saturation implements the sync admission control loop: a periodic
// saturation sampler, the public availability gate, and the adaptive queue
// drainer that releases held-back clients when capacity returns.
package saturation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/database"
	"github.com/migasfree/swarm-control/internal/metrics"
	"github.com/migasfree/swarm-control/internal/portainer"
	"github.com/migasfree/swarm-control/internal/store"
)

const (
	coreSuffix     = "_core"
	databaseSuffix = "_database"
	pgpoolHost     = "pgpool"
)

// Database is the slice of the Postgres wrapper the sampler and drainer use.
type Database interface {
	Latency(ctx context.Context) float64
	PoolBackendStats(ctx context.Context) ([]database.BackendCounters, error)
	LookupComputerID(ctx context.Context, uuid string) (int64, error)
}

// ContainerStats reads container CPU counters through Portainer's proxy.
type ContainerStats interface {
	LocalEndpointID(ctx context.Context) (int, error)
	ListContainers(ctx context.Context, endpointID int) ([]portainer.Container, error)
	ContainerCPU(ctx context.Context, endpointID int, containerID string) (portainer.CPUSample, error)
}

// Sampler computes one saturation snapshot per tick and persists it.
type Sampler struct {
	cfg   *config.Manager
	st    *store.Store
	db    Database
	stats ContainerStats
	log   *slog.Logger

	mu         sync.Mutex
	prevCPU    map[string]portainer.CPUSample
	prevPool   map[string]database.BackendCounters
	prevPoolAt time.Time
	endpointID int
}

func NewSampler(cfg *config.Manager, st *store.Store, db Database, stats ContainerStats, log *slog.Logger) *Sampler {
	return &Sampler{
		cfg:      cfg,
		st:       st,
		db:       db,
		stats:    stats,
		log:      log,
		prevCPU:  make(map[string]portainer.CPUSample),
		prevPool: make(map[string]database.BackendCounters),
	}
}

// Sample takes one full measurement, persists it and returns the snapshot.
// Every probe degrades independently: a dead Docker proxy reports CPU 0, a
// dead database reports the latency sentinel and saturates the system.
func (s *Sampler) Sample(ctx context.Context) store.MetricSnapshot {
	started := time.Now()
	defer func() {
		metrics.SampleDuration.Observe(time.Since(started).Seconds())
	}()

	snap := store.MetricSnapshot{Timestamp: time.Now().Unix()}
	snap.DBLatency = s.db.Latency(ctx)
	snap.CoreCPU, snap.DBCPU = s.containerCPU(ctx)
	if s.cfg.Postgres.Host == pgpoolHost {
		snap.Nodes = s.poolNodes(ctx)
	}
	snap.Saturated = snap.DBLatency > s.cfg.SyncMaxDBLatency || snap.CoreCPU > s.cfg.SyncMaxCoreLoad

	attempts, err := s.st.TakeAttempts(ctx)
	if err != nil {
		s.log.Warn("attempts read failed", "error", err)
	}
	snap.Attempts = attempts

	if err := s.st.SaveCurrentMetric(ctx, snap); err != nil {
		s.log.Warn("metric snapshot write failed", "error", err)
	}
	if err := s.st.AppendMetricHistory(ctx, snap, s.cfg.MetricsRetentionLimit); err != nil {
		s.log.Warn("metric history write failed", "error", err)
	}

	metrics.DBLatency.Set(snap.DBLatency)
	metrics.CoreCPU.Set(snap.CoreCPU)
	metrics.DatabaseCPU.Set(snap.DBCPU)
	if snap.Saturated {
		metrics.Saturated.Set(1)
	} else {
		metrics.Saturated.Set(0)
	}

	return snap
}

// containerCPU returns (average CPU% of _core containers, summed CPU% of
// _database containers). Both are 0 until two consecutive samples exist.
func (s *Sampler) containerCPU(ctx context.Context) (float64, float64) {
	if s.stats == nil {
		return 0, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpointID == 0 {
		id, err := s.stats.LocalEndpointID(ctx)
		if err != nil {
			s.log.Warn("portainer endpoint discovery failed", "error", err)
			return 0, 0
		}
		s.endpointID = id
	}

	containers, err := s.stats.ListContainers(ctx, s.endpointID)
	if err != nil {
		s.log.Warn("container list failed", "error", err)
		return 0, 0
	}

	var coreSum float64
	var coreN int
	var dbSum float64
	seen := make(map[string]struct{}, len(containers))

	for _, c := range containers {
		svc := c.ServiceName()
		isCore := strings.HasSuffix(svc, coreSuffix)
		isDB := strings.HasSuffix(svc, databaseSuffix)
		if !isCore && !isDB {
			continue
		}
		seen[c.ID] = struct{}{}

		cur, err := s.stats.ContainerCPU(ctx, s.endpointID, c.ID)
		if err != nil {
			s.log.Warn("container stats failed", "container", c.ID, "error", err)
			continue
		}
		prev, ok := s.prevCPU[c.ID]
		s.prevCPU[c.ID] = cur
		if !ok {
			continue
		}

		pct := cpuPercent(prev, cur)
		if isCore {
			coreSum += pct
			coreN++
		} else {
			dbSum += pct
		}
	}

	// Forget containers that went away so replacements start clean.
	for id := range s.prevCPU {
		if _, ok := seen[id]; !ok {
			delete(s.prevCPU, id)
		}
	}

	core := 0.0
	if coreN > 0 {
		core = coreSum / float64(coreN)
	}
	return core, dbSum
}

// cpuPercent computes the instantaneous CPU percentage between two samples
// of one container.
func cpuPercent(prev, cur portainer.CPUSample) float64 {
	cpuDelta := float64(cur.TotalUsage) - float64(prev.TotalUsage)
	sysDelta := float64(cur.SystemUsage) - float64(prev.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := cur.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * float64(cpus) * 100
}

// poolNodes reads Pgpool backend counters and converts them to per-node
// rates over the time since the previous sample.
func (s *Sampler) poolNodes(ctx context.Context) []store.PoolNodeStat {
	counters, err := s.db.PoolBackendStats(ctx)
	if err != nil {
		s.log.Warn("pgpool stats failed", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.prevPoolAt).Seconds()
	first := s.prevPoolAt.IsZero()
	s.prevPoolAt = now

	out := make([]store.PoolNodeStat, 0, len(counters))
	for _, c := range counters {
		stat := store.PoolNodeStat{
			NodeID:   c.NodeID,
			Hostname: c.Hostname,
			Status:   c.Status,
		}
		if prev, ok := s.prevPool[c.NodeID]; ok && !first && elapsed > 0 {
			stat.SelectRate = rate(c.SelectCnt, prev.SelectCnt, elapsed)
			stat.WriteRate = rate(c.WriteCnt, prev.WriteCnt, elapsed)
			stat.ErrorRate = rate(c.ErrorCnt, prev.ErrorCnt, elapsed)
		}
		s.prevPool[c.NodeID] = c
		out = append(out, stat)
	}
	return out
}

func rate(cur, prev int64, elapsed float64) float64 {
	d := cur - prev
	if d < 0 {
		// Counter reset (pgpool restart).
		return 0
	}
	return float64(d) / elapsed
}
