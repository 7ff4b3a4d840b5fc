// Package lru implements a bounded, thread-safe recency set: once full,
// adding a key evicts the one touched longest ago.
//
// Add, Contains, Remove and Len are O(1). A hash map gives key lookup and a
// doubly linked list keeps the eviction order.
package lru

import "sync"

type node[K comparable] struct {
	key  K
	prev *node[K]
	next *node[K]
}

// Set remembers at most capacity keys.
type Set[K comparable] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*node[K]
	head     *node[K] // most recent (sentinel)
	tail     *node[K] // least recent (sentinel)
}

// New creates a set holding up to capacity keys.
// Panics if capacity < 1.
func New[K comparable](capacity int) *Set[K] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K]{}
	tail := &node[K]{}
	head.next = tail
	tail.prev = head

	return &Set[K]{
		capacity: capacity,
		items:    make(map[K]*node[K], capacity),
		head:     head,
		tail:     tail,
	}
}

// Add inserts key, or marks it most recent if present. When the set is full
// the least recent key is evicted and returned.
func (s *Set[K]) Add(key K) (K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted K
	if n, ok := s.items[key]; ok {
		s.moveToFront(n)
		return evicted, false
	}

	full := len(s.items) >= s.capacity
	if full {
		victim := s.tail.prev
		s.unlink(victim)
		delete(s.items, victim.key)
		evicted = victim.key
	}

	n := &node[K]{key: key}
	s.items[key] = n
	s.pushFront(n)

	return evicted, full
}

// Contains reports whether key is present without changing its recency.
func (s *Set[K]) Contains(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Remove deletes key. Returns true if it was present.
func (s *Set[K]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[key]
	if !ok {
		return false
	}
	s.unlink(n)
	delete(s.items, key)
	return true
}

// Len returns the number of keys held.
func (s *Set[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Keys returns all keys from most to least recent.
func (s *Set[K]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]K, 0, len(s.items))
	for cur := s.head.next; cur != s.tail; cur = cur.next {
		keys = append(keys, cur.key)
	}
	return keys
}

// caller must hold mu

func (s *Set[K]) unlink(n *node[K]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (s *Set[K]) pushFront(n *node[K]) {
	n.next = s.head.next
	n.prev = s.head
	s.head.next.prev = n
	s.head.next = n
}

func (s *Set[K]) moveToFront(n *node[K]) {
	s.unlink(n)
	s.pushFront(n)
}
