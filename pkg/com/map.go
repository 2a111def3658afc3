package com

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("not found")

// Map is a map guarded by a RW lock.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewMap[K comparable, V any]() *Map[K, V] { return &Map[K, V]{m: make(map[K]V)} }

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

func (m *Map[K, V]) IsEmpty() bool  { return m.Len() == 0 }
func (m *Map[K, V]) Has(key K) bool { _, err := m.Find(key); return err == nil }

func (m *Map[K, V]) Put(key K, v V) {
	m.mu.Lock()
	m.m[key] = v
	m.mu.Unlock()
}

func (m *Map[K, V]) RemoveByKey(key K) { m.Pop(key) }

// Pop deletes the key and returns what it kept.
func (m *Map[K, V]) Pop(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	if ok {
		delete(m.m, key)
	}
	return v, ok
}

// Find returns ErrNotFound for missing and zero keys.
func (m *Map[K, V]) Find(key K) (V, error) {
	var zero K
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	if key == zero || !ok {
		return v, ErrNotFound
	}
	return v, nil
}

// ForEach calls fn under the read lock, fn should not modify the map.
func (m *Map[K, V]) ForEach(fn func(v V)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.m {
		fn(v)
	}
}

// Values is a copy of the map values in no particular order.
func (m *Map[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]V, 0, len(m.m))
	for _, v := range m.m {
		out = append(out, v)
	}
	return out
}
