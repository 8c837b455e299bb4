package proxy

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Entry is one cached GET response.
type Entry struct {
	Key       string
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time
}

// Store persists entries grouped into named cache generations.
type Store interface {
	// Get returns the entry for key in cache. ok is false when absent.
	Get(ctx context.Context, cache, key string) (e Entry, ok bool, err error)
	// Put writes e into cache, replacing any entry with the same key.
	Put(ctx context.Context, cache string, e Entry) error
	// Caches lists the names of all stored generations.
	Caches(ctx context.Context) ([]string, error)
	// DeleteCache drops a generation and all its entries.
	DeleteCache(ctx context.Context, cache string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	caches map[string]map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{caches: make(map[string]map[string]Entry)}
}

func (m *MemoryStore) Get(_ context.Context, cache, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.caches[cache][key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func (m *MemoryStore) Put(_ context.Context, cache string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.caches[cache]
	if !ok {
		entries = make(map[string]Entry)
		m.caches[cache] = entries
	}
	entries[e.Key] = cloneEntry(e)
	return nil
}

func (m *MemoryStore) Caches(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DeleteCache(_ context.Context, cache string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, cache)
	return nil
}

func cloneEntry(e Entry) Entry {
	e.Header = e.Header.Clone()
	e.Body = append([]byte(nil), e.Body...)
	return e
}
