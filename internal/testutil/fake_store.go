// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"strings"
	"sync"

	"heimdall/internal/cache"
)

// FakeStore is an in-memory cache.Store for testing. Unlike the production
// stores it is fully synchronous, and every operation can be disabled to
// simulate a down cache backend.
type FakeStore struct {
	mu      sync.Mutex
	entries map[string]cache.Entry

	// Down simulates an unreachable backend: reads always miss, writes and
	// deletes are dropped, Ping returns PingErr.
	Down    bool
	PingErr error

	// Call counters.
	Gets    int
	Sets    int
	Deletes int
	Purges  int

	// LastDeleteCtx records the context of the most recent Delete or
	// DeletePrefix, for asserting lifetime semantics.
	LastDeleteCtx context.Context
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{entries: make(map[string]cache.Entry)}
}

// Get returns the stored entry, or a miss when absent or Down.
func (s *FakeStore) Get(_ context.Context, key string) (cache.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Gets++
	if s.Down {
		return cache.Entry{}, false
	}
	e, ok := s.entries[key]
	return e, ok
}

// Set stores an entry unless Down.
func (s *FakeStore) Set(_ context.Context, key string, e cache.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sets++
	if s.Down {
		return
	}
	s.entries[key] = e
}

// Delete removes a single entry.
func (s *FakeStore) Delete(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deletes++
	s.LastDeleteCtx = ctx
	if s.Down {
		return
	}
	delete(s.entries, key)
}

// DeletePrefix removes entries whose key starts with prefix.
func (s *FakeStore) DeletePrefix(ctx context.Context, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deletes++
	s.LastDeleteCtx = ctx
	if s.Down {
		return
	}
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
}

// Purge removes everything.
func (s *FakeStore) Purge(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Purges++
	if s.Down {
		return
	}
	clear(s.entries)
}

// Ping reports the configured backend state.
func (s *FakeStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Down {
		return s.PingErr
	}
	return nil
}

// Len reports the number of stored entries.
func (s *FakeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
