// Package cache provides response caching for the gateway.
package cache

import (
	"context"
	"net/http"
	"time"
)

// Entry is a cached upstream response. StoredAt plus TTL is the absolute
// expiry instant; an entry past expiry is treated as absent regardless of
// when it is physically removed.
type Entry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	StoredAt   time.Time
	TTL        time.Duration
}

// ExpiresAt returns the absolute expiry instant.
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Expired reports whether the entry is stale at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// Store is the interface for response cache backends.
//
// Implementations treat expired entries as absent on Get, and Set replaces
// any existing entry for the same key atomically with respect to concurrent
// Gets. Backend failures are absorbed (logged, then reported as a miss) so
// the router degrades to always-forward rather than failing the request.
type Store interface {
	// Get retrieves a cached entry by key.
	Get(ctx context.Context, key string) (Entry, bool)
	// Set stores an entry, overwriting any previous value for the key.
	Set(ctx context.Context, key string, e Entry)
	// Delete removes a single entry.
	Delete(ctx context.Context, key string)
	// DeletePrefix removes every entry whose key was built from a path
	// under the given prefix.
	DeletePrefix(ctx context.Context, prefix string)
	// Purge removes all entries.
	Purge(ctx context.Context)
	// Ping checks backend availability.
	Ping(ctx context.Context) error
}
