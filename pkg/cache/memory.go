package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prismcli/prism/pkg/models"
)

// Memory is an in-process Store. Entries do not survive the process; it is
// used for tests and when the on-disk cache is disabled.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]models.CacheEntry)}
}

func (m *Memory) Lookup(_ context.Context, fp string) (*models.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fp]
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	e.Images = append([]models.Image(nil), e.Images...)
	return &e, true, nil
}

func (m *Memory) Store(_ context.Context, entry models.CacheEntry) error {
	entry.Images = append([]models.Image(nil), entry.Images...)
	m.mu.Lock()
	m.entries[entry.Fingerprint] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Evict(_ context.Context, fp string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[fp]
	delete(m.entries, fp)
	return ok, nil
}

func (m *Memory) Clear(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.entries))
	m.entries = make(map[string]models.CacheEntry)
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats reports entry count, payload size and lookup counters.
func (m *Memory) Stats() (models.CacheStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := models.CacheStats{
		Entries: int64(len(m.entries)),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}
	for _, e := range m.entries {
		for _, img := range e.Images {
			st.Bytes += int64(len(img.B64JSON) + len(img.URL))
		}
	}
	return st, nil
}
