package store

import (
	"context"
	"sort"
	"sync"

	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// memoryBackend is Tier C. It never fails and never persists.
type memoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string]*models.Record
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string]map[string]*models.Record)}
}

func (m *memoryBackend) Name() string { return TierMemory }

func (m *memoryBackend) Probe(ctx context.Context) error { return nil }

func (m *memoryBackend) Put(ctx context.Context, collection string, rec *models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[collection]
	if !ok {
		c = make(map[string]*models.Record)
		m.data[collection] = c
	}
	c[rec.Key] = rec.Clone()
	return nil
}

func (m *memoryBackend) Get(ctx context.Context, collection, key string) (*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memoryBackend) Delete(ctx context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], key)
	return nil
}

func (m *memoryBackend) List(ctx context.Context, collection string) ([]*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Record, 0, len(m.data[collection]))
	for _, rec := range m.data[collection] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *memoryBackend) EvictOldest(ctx context.Context, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []stored
	for collection, c := range m.data {
		for _, rec := range c {
			all = append(all, stored{ref: collection, rec: rec})
		}
	}
	victims := oldestEvictable(all, n)
	for _, v := range victims {
		delete(m.data[v.ref], v.rec.Key)
	}
	return len(victims), nil
}

func (m *memoryBackend) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.data {
		n += len(c)
	}
	return n, nil
}

func (m *memoryBackend) Close() error { return nil }

// stored is a record together with where its tier keeps it: the collection
// for the memory tier, the file path for the file tier.
type stored struct {
	ref string
	rec *models.Record
}

// oldestEvictable picks up to n non-pending records, oldest first.
func oldestEvictable(records []stored, n int) []stored {
	candidates := make([]stored, 0, len(records))
	for _, r := range records {
		if !r.rec.PendingSync {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rec.LastUpdated.Before(candidates[j].rec.LastUpdated)
	})
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}
