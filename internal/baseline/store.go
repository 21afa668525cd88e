package baseline

import (
	"sync"
	"time"

	"github.com/sentinelops/sentinel-core/internal/models"
)

// Store keeps learned baselines keyed by metric identity. Baselines are
// replaced wholesale, never mutated, so a returned pointer is safe to read
// without further locking.
type Store struct {
	mu        sync.RWMutex
	baselines map[string]*models.Baseline
}

// NewStore returns an empty baseline store.
func NewStore() *Store {
	return &Store{baselines: make(map[string]*models.Baseline)}
}

// Get returns the baseline for a metric key.
func (s *Store) Get(key string) (*models.Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[key]
	return b, ok
}

// Put stores or replaces a baseline under its own key.
func (s *Store) Put(b *models.Baseline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.Key()] = b
}

// Delete removes a baseline.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.baselines, key)
}

// Len reports the number of stored baselines.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baselines)
}

// All returns a snapshot slice of every stored baseline.
func (s *Store) All() []*models.Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*models.Baseline, 0, len(s.baselines))
	for _, b := range s.baselines {
		all = append(all, b)
	}
	return all
}

// Stale returns baselines not refreshed within maxAge.
func (s *Store) Stale(now time.Time, maxAge time.Duration) []*models.Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stale := make([]*models.Baseline, 0)
	for _, b := range s.baselines {
		if b.IsStale(now, maxAge) {
			stale = append(stale, b)
		}
	}
	return stale
}

// Replace swaps the entire contents of the store.
func (s *Store) Replace(baselines []*models.Baseline) {
	next := make(map[string]*models.Baseline, len(baselines))
	for _, b := range baselines {
		next[b.Key()] = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines = next
}
