package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMemoryCapacity is the entry ceiling used when none is given.
const DefaultMemoryCapacity = 1000

type memoryItem struct {
	entry *CacheEntry
	// position in the insertion-order queue
	element *list.Element
}

// MemoryStore is a bounded in-memory Store with FIFO eviction: once capacity is
// exceeded the oldest physical insertion is dropped, regardless of freshness.
// FIFO is intentional; reads never reorder entries.
//
// The mutex only keeps the map and queue consistent. There is no request coalescing.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*memoryItem
	// queue holds keys, oldest at the front
	queue *list.List
	clock Clock
}

// NewMemoryStore creates an in-memory store holding at most capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		items:    make(map[string]*memoryItem),
		queue:    list.New(),
	}
}

// Name implements Store.
func (m *MemoryStore) Name() string { return "memory" }

// Capacity returns the maximum number of entries.
func (m *MemoryStore) Capacity() int { return m.capacity }

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if item.entry.IsDead(m.clock.now()) {
		m.removeLocked(key, item)
		return nil, false
	}
	return item.entry.Clone(), true
}

// Set implements Store. Replacing an existing key keeps its queue position.
func (m *MemoryStore) Set(ctx context.Context, key string, entry *CacheEntry, ttlOverride time.Duration) error {
	if entry == nil {
		return ErrNilEntry
	}
	stored := entry.withRetention(ttlOverride, m.clock.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.items[key]; ok {
		item.entry = stored
		return nil
	}

	for len(m.items) >= m.capacity {
		oldest := m.queue.Front()
		if oldest == nil {
			break
		}
		oldestKey := oldest.Value.(string)
		m.removeLocked(oldestKey, m.items[oldestKey])
		CacheEvictions.WithLabelValues(m.Name()).Inc()
	}

	m.items[key] = &memoryItem{
		entry:   stored,
		element: m.queue.PushBack(key),
	}
	return nil
}

// Has implements Store.
func (m *MemoryStore) Has(ctx context.Context, key string) bool {
	_, ok := m.Get(ctx, key)
	return ok
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeLocked(key, item)
	return true
}

// Clear implements Store.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*memoryItem)
	m.queue.Init()
	return nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.now()
	removed := 0
	for key, item := range m.items {
		if prunable(item.entry, now) {
			m.removeLocked(key, item)
			removed++
		}
	}
	return removed, nil
}

// Count implements Store.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MemoryStore) removeLocked(key string, item *memoryItem) {
	if item == nil {
		return
	}
	m.queue.Remove(item.element)
	delete(m.items, key)
}
