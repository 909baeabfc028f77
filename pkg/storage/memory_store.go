package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/agentlayer/pkg/domain"
)

// DefaultMemoryCapacity bounds a MemoryRunStore created with capacity 0.
const DefaultMemoryCapacity = 1000

// MemoryRunStore keeps the most recent runs in memory. When full, the oldest
// saved run is evicted.
type MemoryRunStore struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]RunRecord
	order    []string
}

// NewMemoryRunStore creates a store holding at most capacity runs.
func NewMemoryRunStore(capacity int) *MemoryRunStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryRunStore{
		capacity: capacity,
		records:  make(map[string]RunRecord),
	}
}

// Save implements RunStore.
func (s *MemoryRunStore) Save(_ context.Context, state *domain.ExecutionState) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("run state without id")
	}
	rec := NewRecord(state)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec
	for len(s.order) > s.capacity {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Get implements RunStore.
func (s *MemoryRunStore) Get(_ context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	return &rec, nil
}

// List implements RunStore.
func (s *MemoryRunStore) List(_ context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	out := make([]RunRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Score implements RunStore.
func (s *MemoryRunStore) Score(_ context.Context) (ScoreSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]RunRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	return summarize(records), nil
}

// Close implements RunStore.
func (s *MemoryRunStore) Close() error {
	return nil
}
