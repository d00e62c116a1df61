package cache

import (
	"context"
	"log/slog"
)

// Invalidator purges cached responses, either wholesale or scoped to a
// resource prefix. Prefix invalidation is deliberately coarse: it removes
// every entry whose path falls under the prefix, accepting false-positive
// eviction of still-valid siblings in exchange for never serving a stale
// read after a write.
//
// Known limitation: invalidation racing a concurrent cache fill on the same
// prefix may leave a pre-invalidation response cached until the next
// invalidation or TTL expiry. The staleness window is bounded by the TTL.
type Invalidator struct {
	store Store
}

// NewInvalidator returns an Invalidator over the given store.
func NewInvalidator(store Store) *Invalidator {
	return &Invalidator{store: store}
}

// All wipes every cached entry. Idempotent; clearing an empty cache is not
// an error.
func (inv *Invalidator) All(ctx context.Context) {
	inv.store.Purge(ctx)
	slog.Info("cache cleared")
}

// Resource removes all entries cached for paths under the given route
// prefix, typically after a successful mutating request.
func (inv *Invalidator) Resource(ctx context.Context, prefix string) {
	p := NormalizePath(prefix)
	inv.store.DeletePrefix(ctx, p)
	slog.Debug("cache invalidated", "prefix", p)
}
