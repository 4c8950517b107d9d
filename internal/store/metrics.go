package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// MetricSnapshot is one saturation sample. The current snapshot lives in the
// manager:metric:actual hash; history entries are JSON members of a sorted
// set scored by their unix timestamp.
type MetricSnapshot struct {
	Timestamp int64   `json:"ts"`
	Saturated bool    `json:"saturated"`
	DBLatency float64 `json:"db_latency"`
	CoreCPU   float64 `json:"core_cpu"`
	DBCPU     float64 `json:"db_cpu"`
	Attempts  int64   `json:"attempts"`

	// Per-backend pgpool stats, present when Pgpool-II fronts the database.
	Nodes []PoolNodeStat `json:"nodes,omitempty"`
}

// PoolNodeStat carries per-node rates derived from pgpool's SHOW commands,
// annotated with the node's container CPU.
type PoolNodeStat struct {
	NodeID     string  `json:"node_id"`
	Hostname   string  `json:"hostname"`
	Status     string  `json:"status"`
	SelectRate float64 `json:"select_rate"`
	WriteRate  float64 `json:"write_rate"`
	ErrorRate  float64 `json:"error_rate"`
	CPU        float64 `json:"cpu"`
}

// SaveCurrentMetric overwrites the current snapshot hash. The attempts field
// is deliberately not written here: it is owned by IncrAttempts/TakeAttempts.
func (s *Store) SaveCurrentMetric(ctx context.Context, snap MetricSnapshot) error {
	fields := map[string]any{
		"ts":         snap.Timestamp,
		"saturated":  strconv.FormatBool(snap.Saturated),
		"db_latency": snap.DBLatency,
		"core_cpu":   snap.CoreCPU,
		"db_cpu":     snap.DBCPU,
	}
	if len(snap.Nodes) > 0 {
		nodes, err := json.Marshal(snap.Nodes)
		if err != nil {
			return fmt.Errorf("marshal pool nodes: %w", err)
		}
		fields["nodes"] = nodes
	}
	if err := s.rdb.HSet(ctx, keyMetricActual, fields).Err(); err != nil {
		return fmt.Errorf("save current metric: %w", err)
	}
	return nil
}

// CurrentMetric reads the current snapshot. A missing hash returns a zero
// snapshot, not an error: before the first sample the system is unsaturated.
func (s *Store) CurrentMetric(ctx context.Context) (MetricSnapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, keyMetricActual).Result()
	if err != nil {
		return MetricSnapshot{}, fmt.Errorf("read current metric: %w", err)
	}
	var snap MetricSnapshot
	snap.Timestamp, _ = strconv.ParseInt(fields["ts"], 10, 64)
	snap.Saturated, _ = strconv.ParseBool(fields["saturated"])
	snap.DBLatency, _ = strconv.ParseFloat(fields["db_latency"], 64)
	snap.CoreCPU, _ = strconv.ParseFloat(fields["core_cpu"], 64)
	snap.DBCPU, _ = strconv.ParseFloat(fields["db_cpu"], 64)
	snap.Attempts, _ = strconv.ParseInt(fields["attempts"], 10, 64)
	if raw := fields["nodes"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &snap.Nodes)
	}
	return snap, nil
}

// AppendMetricHistory adds a snapshot to the history zset and trims entries
// older than the retention window in the same pipeline.
func (s *Store) AppendMetricHistory(ctx context.Context, snap MetricSnapshot, retention time.Duration) error {
	member, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal metric snapshot: %w", err)
	}
	oldest := snap.Timestamp - int64(retention.Seconds())

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyMetricHistory, redis.Z{Score: float64(snap.Timestamp), Member: member})
	// Exclusive bound: an entry exactly retention old is still retained.
	pipe.ZRemRangeByScore(ctx, keyMetricHistory, "-inf", "("+strconv.FormatInt(oldest, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append metric history: %w", err)
	}
	return nil
}

// MetricHistory returns the snapshots recorded at or after since, in
// timestamp order.
func (s *Store) MetricHistory(ctx context.Context, since int64) ([]MetricSnapshot, error) {
	members, err := s.rdb.ZRangeByScore(ctx, keyMetricHistory, &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10), Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read metric history: %w", err)
	}
	history := make([]MetricSnapshot, 0, len(members))
	for _, m := range members {
		var snap MetricSnapshot
		if err := json.Unmarshal([]byte(m), &snap); err != nil {
			s.log.Warn("skipping malformed history entry", "error", err)
			continue
		}
		history = append(history, snap)
	}
	return history, nil
}

// IncrAttempts counts one sync admission attempt. Called on every POST to the
// availability endpoint, saturated or not.
func (s *Store) IncrAttempts(ctx context.Context) error {
	return s.rdb.HIncrBy(ctx, keyMetricActual, "attempts", 1).Err()
}

// TakeAttempts atomically reads and resets the attempts counter. The sampler
// calls this once per tick so each attempt lands in exactly one history entry.
func (s *Store) TakeAttempts(ctx context.Context) (int64, error) {
	pipe := s.rdb.TxPipeline()
	get := pipe.HGet(ctx, keyMetricActual, "attempts")
	pipe.HSet(ctx, keyMetricActual, "attempts", 0)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("take attempts: %w", err)
	}
	n, err := get.Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, nil // unparsable counter counts as zero
	}
	return n, nil
}
