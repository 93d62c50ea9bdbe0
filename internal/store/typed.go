// Package store holds state the agent carries across poll cycles.
package store

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
)

// TypedStore is a concurrency-safe keyed collection. Reads take a shared
// lock; writes replace entries under an exclusive one. It records when it
// was last written.
type TypedStore[T any] struct {
	mu          sync.RWMutex
	items       map[string]T
	clock       agenterrors.Clock
	lastUpdated atomic.Int64 // UnixNano of the last write, 0 before any
}

// NewTypedStore creates an empty TypedStore.
func NewTypedStore[T any](clock agenterrors.Clock) *TypedStore[T] {
	if clock == nil {
		clock = agenterrors.RealClock{}
	}
	return &TypedStore[T]{
		items: make(map[string]T),
		clock: clock,
	}
}

// Set inserts or updates the value for key.
func (s *TypedStore[T]) Set(key string, value T) {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	s.touch()
}

// SetAll upserts every item under the key returned by keyOf, in one write.
func (s *TypedStore[T]) SetAll(items []T, keyOf func(T) string) {
	s.mu.Lock()
	for _, item := range items {
		s.items[keyOf(item)] = item
	}
	s.mu.Unlock()
	s.touch()
}

// Get retrieves the value for key.
func (s *TypedStore[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Len returns the number of items in the store.
func (s *TypedStore[T]) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

// Values returns all values ordered by key.
func (s *TypedStore[T]) Values() []T {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	vals := make([]T, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, s.items[k])
	}
	s.mu.RUnlock()
	return vals
}

// LastUpdated returns the time of the last write, or the zero time.
func (s *TypedStore[T]) LastUpdated() time.Time {
	ns := s.lastUpdated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *TypedStore[T]) touch() {
	s.lastUpdated.Store(s.clock.Now().UnixNano())
}
