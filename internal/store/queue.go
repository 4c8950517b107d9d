package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EnqueueSync appends an agent UUID to the deferred sync queue unless it is
// already waiting. Returns true when the UUID was actually added.
func (s *Store) EnqueueSync(ctx context.Context, uuid string) (bool, error) {
	_, err := s.rdb.LPos(ctx, keySyncQueue, uuid, redis.LPosArgs{}).Result()
	if err == nil {
		return false, nil // already queued
	}
	if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("check sync queue: %w", err)
	}
	if err := s.rdb.RPush(ctx, keySyncQueue, uuid).Err(); err != nil {
		return false, fmt.Errorf("enqueue sync %s: %w", uuid, err)
	}
	return true, nil
}

// DequeueSync pops up to n UUIDs from the head of the sync queue. An empty
// queue returns a nil slice.
func (s *Store) DequeueSync(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	uuids, err := s.rdb.LPopCount(ctx, keySyncQueue, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue sync: %w", err)
	}
	return uuids, nil
}

// SyncQueueLen reports the number of UUIDs waiting for a drain.
func (s *Store) SyncQueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, keySyncQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("sync queue length: %w", err)
	}
	return n, nil
}
