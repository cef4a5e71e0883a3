package aggregator

import (
	"context"
	"sync"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
)

// MemoryConfigStore holds per-jurisdiction rules in memory. Production loads
// rows from the aggregator_configs table; there is deliberately no default
// row in either backend.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[id.Jurisdiction]models.StateAggregatorConfig
}

func NewMemoryConfigStore(configs ...models.StateAggregatorConfig) *MemoryConfigStore {
	s := &MemoryConfigStore{configs: make(map[id.Jurisdiction]models.StateAggregatorConfig)}
	for _, cfg := range configs {
		s.configs[cfg.Jurisdiction] = cfg
	}
	return s
}

// Put registers or replaces a jurisdiction's rules.
func (s *MemoryConfigStore) Put(cfg models.StateAggregatorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Jurisdiction] = cfg
}

func (s *MemoryConfigStore) Find(_ context.Context, jurisdiction id.Jurisdiction) (models.StateAggregatorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[jurisdiction]
	if !ok {
		return models.StateAggregatorConfig{}, sentinel.ErrNotFound
	}
	return cfg, nil
}
