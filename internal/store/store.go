// Package store provides typed access to the Redis keyspace shared by the
// manager and the tunnel relays: the agent directory, relay heartbeats,
// saturation metrics, and the deferred sync queue.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested record does not exist or its TTL
// has expired.
var ErrNotFound = errors.New("store: not found")

const (
	agentKeyPrefix = "agent:"
	relayKeyPrefix = "tunnel:"

	keyMetricActual  = "manager:metric:actual"
	keyMetricHistory = "manager:metric:history"
	keySyncQueue     = "manager:sync_queue"

	// AgentTTL is how long an agent record survives without a relay refresh.
	AgentTTL = 300 * time.Second

	// RelayTTL is the relay heartbeat lifetime. A relay missing for this long
	// is treated as gone.
	RelayTTL = 10 * time.Second
)

// Store wraps a Redis client with the operations the control plane needs.
type Store struct {
	rdb *redis.Client
	log *slog.Logger
}

// Open connects to Redis using a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string, log *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb, log: log}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client, log *slog.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// AgentRecord is one entry in the agent directory.
type AgentRecord struct {
	ID       string         `json:"id"`
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"services,omitempty"`
	Info     map[string]any `json:"info,omitempty"`

	// RelayURL is the public URL assigned by the manager at registration.
	// ServerURL/ServerIP identify the relay the agent is actually connected
	// to: ServerURL is its public URL, ServerIP the overlay address the
	// manager prefers when dialing.
	RelayURL  string `json:"relay_url,omitempty"`
	ServerURL string `json:"server_url,omitempty"`
	ServerIP  string `json:"server_ip,omitempty"`

	RegisteredAt int64 `json:"registered_at,omitempty"`
}

// SaveAgent writes an agent record with the directory TTL. Re-registration
// overwrites the previous record atomically.
func (s *Store) SaveAgent(ctx context.Context, rec AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", rec.ID, err)
	}
	if err := s.rdb.Set(ctx, agentKeyPrefix+rec.ID, data, AgentTTL).Err(); err != nil {
		return fmt.Errorf("save agent %s: %w", rec.ID, err)
	}
	return nil
}

// TouchAgent refreshes the TTL of an agent record while its WebSocket stays
// open. A missing record is not an error: the next SaveAgent recreates it.
func (s *Store) TouchAgent(ctx context.Context, id string) error {
	return s.rdb.Expire(ctx, agentKeyPrefix+id, AgentTTL).Err()
}

// GetAgent reads one agent record.
func (s *Store) GetAgent(ctx context.Context, id string) (AgentRecord, error) {
	data, err := s.rdb.Get(ctx, agentKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return AgentRecord{}, ErrNotFound
	}
	if err != nil {
		return AgentRecord{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	var rec AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return AgentRecord{}, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return rec, nil
}

// DeleteAgent removes an agent record, typically on WebSocket close.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, agentKeyPrefix+id).Err()
}

// ListAgents scans the directory and returns all live agent records sorted
// by ID.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	keys, err := s.scanKeys(ctx, agentKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	records := make([]AgentRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var rec AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Warn("skipping malformed agent record", "key", key, "error", err)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// RelayRecord is one relay heartbeat.
type RelayRecord struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	InternalURL    string `json:"internal_url"`
	Hostname       string `json:"hostname"`
	Load           int    `json:"load"`
	MaxConnections int    `json:"max_connections"`
}

// SaveRelayHeartbeat publishes a relay's liveness and load with the heartbeat
// TTL. Relays call this every RelayTTL/2.
func (s *Store) SaveRelayHeartbeat(ctx context.Context, rec RelayRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal relay %s: %w", rec.ID, err)
	}
	if err := s.rdb.Set(ctx, relayKeyPrefix+rec.ID, data, RelayTTL).Err(); err != nil {
		return fmt.Errorf("save relay heartbeat %s: %w", rec.ID, err)
	}
	return nil
}

// ListRelays returns every relay with a live heartbeat, sorted by ID.
func (s *Store) ListRelays(ctx context.Context) ([]RelayRecord, error) {
	keys, err := s.scanKeys(ctx, relayKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	relays := make([]RelayRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var rec RelayRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Warn("skipping malformed relay record", "key", key, "error", err)
			continue
		}
		relays = append(relays, rec)
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].ID < relays[j].ID })
	return relays, nil
}

// PickRelay returns the live relay with the smallest load, breaking ties
// lexicographically by ID. ErrNotFound when no heartbeat is live.
func (s *Store) PickRelay(ctx context.Context) (RelayRecord, error) {
	relays, err := s.ListRelays(ctx)
	if err != nil {
		return RelayRecord{}, err
	}
	if len(relays) == 0 {
		return RelayRecord{}, ErrNotFound
	}
	best := relays[0]
	for _, r := range relays[1:] {
		if r.Load < best.Load {
			best = r
		}
	}
	return best, nil
}

// scanKeys iterates SCAN until exhaustion. Keys are returned in a stable
// (sorted) order so pagination over them behaves deterministically.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// KeySuffix strips a key prefix, exposed for callers that page over raw keys.
func KeySuffix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}
