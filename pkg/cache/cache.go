// Package cache memoizes resolution results. Stores are injected into the
// resolvers and image registry client; nothing in this module keeps results in
// package-level state.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is a key/value cache with at-most-once-write semantics: Put never
// replaces a live entry, so concurrent writers of the same key converge on
// whichever value landed first.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Put(ctx context.Context, key string, value V) error
}

// Key joins scope parts into a cache key, e.g. Key("pypi", "requests", "==2.31.0").
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// Memory is an in-process Store whose lifetime is one analysis run unless a TTL is set.
type Memory[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	now     func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewMemory returns an empty Memory store. A ttl of zero keeps entries forever.
func NewMemory[V any](ttl time.Duration) *Memory[V] {
	return &Memory[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	if m == nil {
		return zero, false, nil
	}
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}
	if m.expired(e) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && m.expired(cur) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return zero, false, nil
	}
	return e.value, true, nil
}

func (m *Memory[V]) Put(_ context.Context, key string, value V) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && !m.expired(cur) {
		return nil
	}
	e := entry[V]{value: value}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.entries[key] = e
	return nil
}

// Set stores value under key, replacing any live entry.
func (m *Memory[V]) Set(_ context.Context, key string, value V) {
	if m == nil {
		return
	}
	e := entry[V]{value: value}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.entries[key] = e
}

// Len returns the number of stored entries, expired or not.
func (m *Memory[V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory[V]) expired(e entry[V]) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

// Tiered reads through a fast front store (usually Memory) to a slower back
// store (usually Redis) and fills the front on back hits.
type Tiered[V any] struct {
	Front Store[V]
	Back  Store[V]
}

func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool, error) {
	v, ok, err := t.Front.Get(ctx, key)
	if err == nil && ok {
		return v, true, nil
	}
	v, ok, err = t.Back.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	_ = t.Front.Put(ctx, key, v)
	return v, true, nil
}

func (t *Tiered[V]) Put(ctx context.Context, key string, value V) error {
	if err := t.Front.Put(ctx, key, value); err != nil {
		return err
	}
	return t.Back.Put(ctx, key, value)
}

var (
	_ Store[string] = (*Memory[string])(nil)
	_ Store[string] = (*Tiered[string])(nil)
)
