package database

import (
	"context"
	"fmt"
	"strconv"
)

// BackendCounters holds cumulative per-node statement counters from
// Pgpool-II's SHOW pool_backend_stats, joined with node status from
// SHOW pool_nodes. The saturation sampler turns these into rates by
// differencing consecutive reads.
type BackendCounters struct {
	NodeID   string
	Hostname string
	Port     string
	Status   string
	Role     string

	SelectCnt int64
	WriteCnt  int64 // insert + update + delete + ddl + other
	ErrorCnt  int64 // panic + fatal + error
}

// PoolBackendStats reads Pgpool-II introspection. Only meaningful when the
// configured Postgres host is a pgpool frontend; against plain Postgres the
// SHOW command fails and the error is returned for the caller to ignore.
func (d *DB) PoolBackendStats(ctx context.Context) ([]BackendCounters, error) {
	nodes, err := d.showRows(ctx, "SHOW pool_nodes")
	if err != nil {
		return nil, fmt.Errorf("pool_nodes: %w", err)
	}
	stats, err := d.showRows(ctx, "SHOW pool_backend_stats")
	if err != nil {
		return nil, fmt.Errorf("pool_backend_stats: %w", err)
	}

	roleByNode := make(map[string]string, len(nodes))
	for _, n := range nodes {
		roleByNode[str(n["node_id"])] = str(n["role"])
	}

	out := make([]BackendCounters, 0, len(stats))
	for _, row := range stats {
		bc := BackendCounters{
			NodeID:   str(row["node_id"]),
			Hostname: str(row["hostname"]),
			Port:     str(row["port"]),
			Status:   str(row["status"]),
		}
		bc.Role = roleByNode[bc.NodeID]
		bc.SelectCnt = num(row["select_cnt"])
		bc.WriteCnt = num(row["insert_cnt"]) + num(row["update_cnt"]) +
			num(row["delete_cnt"]) + num(row["ddl_cnt"]) + num(row["other_cnt"])
		bc.ErrorCnt = num(row["panic_cnt"]) + num(row["fatal_cnt"]) + num(row["error_cnt"])
		out = append(out, bc)
	}
	return out, nil
}

// showRows runs a SHOW command outside the read-only gate (SHOW is a pgpool
// pseudo-statement, not SQL the gate understands).
func (d *DB) showRows(ctx context.Context, cmd string) ([]map[string]any, error) {
	rows, err := d.pool.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func num(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
