// Package database wraps the Postgres pool used by the manager: the latency
// probe feeding the saturation sampler, validated read-only query execution,
// UUID-to-computer lookups for the sync drainer, and Pgpool-II introspection.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoRows is returned when a lookup matches nothing.
var ErrNoRows = errors.New("database: no rows")

// latencyOnError is the sentinel latency reported when the probe fails.
// It exceeds any plausible threshold, so a dead database reads as saturated.
const latencyOnError = 999.0

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open creates a pool against the given DSN. The pool is sized for control
// plane traffic, not application load.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return &DB{pool: pool, log: log}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Latency measures the round-trip time of SELECT 1 in seconds. On any error
// it returns the saturation sentinel so the admission gate closes.
func (d *DB) Latency(ctx context.Context) float64 {
	start := time.Now()
	var one int
	if err := d.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		d.log.Warn("latency probe failed", "error", err)
		return latencyOnError
	}
	return time.Since(start).Seconds()
}

// LookupComputerID maps an agent UUID to its computer id.
func (d *DB) LookupComputerID(ctx context.Context, uuid string) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx,
		"SELECT id FROM public.client_computer WHERE uuid=$1", uuid).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("lookup computer %s: %w", uuid, err)
	}
	return id, nil
}

// Query validates q against the read-only gate and executes it, returning
// rows as column-name maps. Only SELECT, EXPLAIN, and WITH statements pass.
func (d *DB) Query(ctx context.Context, q string) ([]map[string]any, error) {
	if err := ValidateQuery(q); err != nil {
		return nil, err
	}
	rows, err := d.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// collectRows materialises a pgx result set into name-keyed maps.
func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
