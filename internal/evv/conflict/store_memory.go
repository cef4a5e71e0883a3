package conflict

import (
	"context"
	"sync"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
)

// InMemoryAuditStore keeps resolution audit entries in memory. Entries are
// append-only; nothing here ever rewrites one.
type InMemoryAuditStore struct {
	mu      sync.RWMutex
	entries map[id.RecordID][]models.ConflictResolution
}

func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{entries: make(map[id.RecordID][]models.ConflictResolution)}
}

func (s *InMemoryAuditStore) Append(_ context.Context, resolution models.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[resolution.RecordID] = append(s.entries[resolution.RecordID], resolution)
	return nil
}

func (s *InMemoryAuditStore) ListByRecord(_ context.Context, recordID id.RecordID) ([]models.ConflictResolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ConflictResolution{}, s.entries[recordID]...), nil
}
