package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Memory is a thread-safe in-memory LRU cache with TTL expiration. A
// non-positive ttl disables expiry; a non-positive capacity disables
// eviction.
type Memory[V any] struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	items     map[string]*list.Element
	evictList *list.List
}

// NewMemory creates a new in-memory LRU cache.
func NewMemory[V any](capacity int, ttl time.Duration) *Memory[V] {
	return &Memory[V]{
		capacity:  capacity,
		ttl:       ttl,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached value for key, or false if missing or expired.
func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	elem, ok := m.items[key]
	if !ok {
		return zero, false
	}

	entry := elem.Value.(*memoryEntry[V])
	if m.expired(entry) {
		m.removeElement(elem)
		return zero, false
	}

	m.evictList.MoveToFront(elem)
	return entry.value, true
}

// Set stores a value in the cache with the configured TTL.
func (m *Memory[V]) Set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.evictList.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry[V])
		entry.value = value
		entry.expiresAt = m.deadline()
		return
	}

	if m.capacity > 0 && m.evictList.Len() >= m.capacity {
		m.removeOldest()
	}

	entry := &memoryEntry[V]{
		key:       key,
		value:     value,
		expiresAt: m.deadline(),
	}
	m.items[key] = m.evictList.PushFront(entry)
}

// Delete removes an entry from the cache.
func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
}

// Len returns the number of entries currently in the cache.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len()
}

// Clear removes all entries from the cache.
func (m *Memory[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
}

func (m *Memory[V]) deadline() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(m.ttl)
}

func (m *Memory[V]) expired(e *memoryEntry[V]) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (m *Memory[V]) removeOldest() {
	elem := m.evictList.Back()
	if elem != nil {
		m.removeElement(elem)
	}
}

func (m *Memory[V]) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	entry := elem.Value.(*memoryEntry[V])
	delete(m.items, entry.key)
}
