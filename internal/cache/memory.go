package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-memory W-TinyLFU cache backed by otter. Capacity is
// bounded by entry count; on overflow otter evicts the least valuable
// entries rather than erroring.
//
// A companion key index supports prefix-scoped deletion. The index may
// briefly retain keys otter has already evicted; invalidating a
// non-resident key is a no-op, so the drift is harmless.
type Memory struct {
	cache *otter.Cache[string, Entry]

	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemory creates an in-memory store with the given max entry count and
// default TTL. maxSize <= 0 means unbounded. Each entry expires at its own
// TTL; defaultTTL applies only to entries stored without one.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	opts := &otter.Options[string, Entry]{
		ExpiryCalculator: otter.ExpiryWritingFunc[string, Entry](func(oe otter.Entry[string, Entry]) time.Duration {
			if ttl := oe.Value.TTL; ttl > 0 {
				return ttl
			}
			return defaultTTL
		}),
	}
	if maxSize > 0 {
		opts.MaximumSize = maxSize
	}
	c, err := otter.New[string, Entry](opts)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c, keys: make(map[string]struct{})}, nil
}

// Get retrieves an entry if present and not expired.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		m.forget(key)
		return Entry{}, false
	}
	if e.Expired(time.Now()) {
		m.cache.Invalidate(key)
		m.forget(key)
		return Entry{}, false
	}
	return e, true
}

// Set stores an entry, overwriting any previous value for the key.
func (m *Memory) Set(_ context.Context, key string, e Entry) {
	m.cache.Set(key, e)
	m.mu.Lock()
	m.keys[key] = struct{}{}
	m.mu.Unlock()
}

// Delete removes a single entry.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
	m.forget(key)
}

// DeletePrefix removes every entry whose key path falls under the prefix.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) {
	m.mu.Lock()
	var doomed []string
	for key := range m.keys {
		if strings.HasPrefix(key, prefix) {
			doomed = append(doomed, key)
			delete(m.keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range doomed {
		m.cache.Invalidate(key)
	}
}

// Purge removes all entries.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
	m.mu.Lock()
	m.keys = make(map[string]struct{})
	m.mu.Unlock()
}

// Ping always succeeds; the in-process store has no backend to lose.
func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) forget(key string) {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
}
