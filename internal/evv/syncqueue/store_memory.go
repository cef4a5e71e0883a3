package syncqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
)

// InMemoryStore keeps per-device queues in memory. The queue is append-only;
// Update touches delivery metadata (status, retry bookkeeping) only, and the
// critical section is narrow so enqueues never wait on in-flight deliveries.
type InMemoryStore struct {
	mu       sync.Mutex
	byDevice map[id.DeviceID][]*models.SyncQueueEntry
	seq      int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byDevice: make(map[id.DeviceID][]*models.SyncQueueEntry)}
}

func (s *InMemoryStore) Enqueue(_ context.Context, entry models.SyncQueueEntry) (models.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	entry.Seq = s.seq
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.SyncPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.UpdatedAt = entry.CreatedAt

	stored := entry
	s.byDevice[entry.DeviceID] = append(s.byDevice[entry.DeviceID], &stored)
	return entry, nil
}

// NextPending returns the due entry with the highest priority, FIFO within
// equal priority, or sentinel.ErrNotFound when nothing is deliverable.
func (s *InMemoryStore) NextPending(_ context.Context, deviceID id.DeviceID, now time.Time) (models.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.SyncQueueEntry
	for _, e := range s.byDevice[deviceID] {
		if e.Status != models.SyncPending || e.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || e.Priority > best.Priority || (e.Priority == best.Priority && e.Seq < best.Seq) {
			best = e
		}
	}
	if best == nil {
		return models.SyncQueueEntry{}, sentinel.ErrNotFound
	}
	return *best, nil
}

func (s *InMemoryStore) Update(_ context.Context, entry models.SyncQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.byDevice[entry.DeviceID] {
		if e.ID == entry.ID {
			entry.UpdatedAt = time.Now().UTC()
			*e = entry
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) ListByDevice(_ context.Context, deviceID id.DeviceID) ([]models.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.byDevice[deviceID]
	out := make([]models.SyncQueueEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out, nil
}
