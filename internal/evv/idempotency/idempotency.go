// Package idempotency deduplicates sync change application. A change ID is
// marked applied exactly once; replays after network retries or device
// reconnects become no-ops.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
)

// MemoryStore tracks applied change IDs in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	applied map[id.ChangeID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{applied: make(map[id.ChangeID]struct{})}
}

func (s *MemoryStore) Applied(_ context.Context, changeID id.ChangeID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, seen := s.applied[changeID]
	return seen, nil
}

func (s *MemoryStore) MarkApplied(_ context.Context, changeID id.ChangeID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.applied[changeID]; seen {
		return false, nil
	}
	s.applied[changeID] = struct{}{}
	return true, nil
}

// RedisStore tracks applied change IDs in Redis so deduplication holds across
// server instances. Keys expire after the retention window; a device cannot
// replay a change later than that because its queue entry is terminal by then.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Applied(ctx context.Context, changeID id.ChangeID) (bool, error) {
	n, err := s.client.Exists(ctx, appliedKey(changeID)).Result()
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "idempotency check failed")
	}
	return n > 0, nil
}

func (s *RedisStore) MarkApplied(ctx context.Context, changeID id.ChangeID) (bool, error) {
	key := appliedKey(changeID)
	first, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), s.retention).Result()
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "idempotency check failed")
	}
	return first, nil
}

func appliedKey(changeID id.ChangeID) string {
	return "evv:applied:" + changeID.String()
}
