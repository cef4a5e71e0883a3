// Package store provides storage backends for EVV records, time entries,
// geofences and correction records. The memory backends serve tests and
// single-node deployments; the postgres backends are the production path.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
)

// MemoryRecordStore keeps EVV records in memory, guarded by a RWMutex.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[id.RecordID]models.EVVRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[id.RecordID]models.EVVRecord)}
}

func (s *MemoryRecordStore) Save(_ context.Context, record models.EVVRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt
	if record.Version == 0 {
		record.Version = 1
	}
	s.records[record.ID] = record
	return nil
}

func (s *MemoryRecordStore) FindByID(_ context.Context, recordID id.RecordID) (models.EVVRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordID]
	if !ok {
		return models.EVVRecord{}, sentinel.ErrNotFound
	}
	return record, nil
}

// UpdateVersioned writes the record only when the stored version still equals
// baseVersion, bumping the version on success.
func (s *MemoryRecordStore) UpdateVersioned(_ context.Context, record models.EVVRecord, baseVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != baseVersion {
		return sentinel.ErrVersionMismatch
	}
	record.Version = baseVersion + 1
	record.CreatedAt = current.CreatedAt
	record.UpdatedAt = time.Now().UTC()
	s.records[record.ID] = record
	return nil
}

// MemoryTimeEntryStore keeps clock events in memory.
type MemoryTimeEntryStore struct {
	mu      sync.RWMutex
	entries map[id.EntryID]models.TimeEntry
}

func NewMemoryTimeEntryStore() *MemoryTimeEntryStore {
	return &MemoryTimeEntryStore{entries: make(map[id.EntryID]models.TimeEntry)}
}

func (s *MemoryTimeEntryStore) Save(_ context.Context, entry models.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemoryTimeEntryStore) FindByID(_ context.Context, entryID id.EntryID) (models.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return models.TimeEntry{}, sentinel.ErrNotFound
	}
	return entry, nil
}

// ListByRecord returns the record's entries in timestamp order, which is the
// order the integrity chain was built in.
func (s *MemoryTimeEntryStore) ListByRecord(_ context.Context, recordID id.RecordID) ([]models.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TimeEntry
	for _, entry := range s.entries {
		if entry.RecordID == recordID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryTimeEntryStore) LastVerifiedLocation(_ context.Context, caregiverID id.CaregiverID) (*models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.TimeEntry
	for _, entry := range s.entries {
		if entry.CaregiverID != caregiverID || !entry.Verified || entry.Location == nil {
			continue
		}
		if latest == nil || entry.Timestamp.After(latest.Timestamp) {
			e := entry
			latest = &e
		}
	}
	if latest == nil {
		return nil, nil
	}
	loc := *latest.Location
	return &loc, nil
}

// MemoryGeofenceStore resolves fences by client ID.
type MemoryGeofenceStore struct {
	mu     sync.RWMutex
	fences map[id.ClientID]models.Geofence
}

func NewMemoryGeofenceStore() *MemoryGeofenceStore {
	return &MemoryGeofenceStore{fences: make(map[id.ClientID]models.Geofence)}
}

// Put registers or replaces a client's fence.
func (s *MemoryGeofenceStore) Put(fence models.Geofence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fences[fence.ClientID] = fence
}

func (s *MemoryGeofenceStore) FindByClient(_ context.Context, clientID id.ClientID) (models.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fence, ok := s.fences[clientID]
	if !ok {
		return models.Geofence{}, sentinel.ErrNotFound
	}
	return fence, nil
}

// MemoryCorrectionStore keeps amendment records in memory, append-only.
type MemoryCorrectionStore struct {
	mu          sync.RWMutex
	corrections []models.CorrectionRecord
}

func NewMemoryCorrectionStore() *MemoryCorrectionStore {
	return &MemoryCorrectionStore{}
}

func (s *MemoryCorrectionStore) Save(_ context.Context, correction models.CorrectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if correction.CreatedAt.IsZero() {
		correction.CreatedAt = time.Now().UTC()
	}
	s.corrections = append(s.corrections, correction)
	return nil
}

func (s *MemoryCorrectionStore) ListByRecord(_ context.Context, recordID id.RecordID) ([]models.CorrectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CorrectionRecord
	for _, c := range s.corrections {
		if c.OriginalRecordID == recordID {
			out = append(out, c)
		}
	}
	return out, nil
}
