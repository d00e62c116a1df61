package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a cache store backed by a Redis server. Entries are stored as
// JSON under a configurable key prefix, with Redis-side expiry via SET TTL.
//
// All backend errors degrade to a cache miss; the gateway keeps serving by
// forwarding to upstreams when Redis is down.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis creates a Redis-backed store. keyPrefix namespaces all gateway
// keys (e.g. "heimdall:") so Purge never touches foreign data.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// redisEntry is the JSON wire form of an Entry.
type redisEntry struct {
	Body       []byte              `json:"body"`
	StatusCode int                 `json:"status_code"`
	Header     map[string][]string `json:"header,omitempty"`
	StoredAt   time.Time           `json:"stored_at"`
	TTLSeconds int64               `json:"ttl_seconds"`
}

// Get retrieves an entry if present and not expired.
func (r *Redis) Get(ctx context.Context, key string) (Entry, bool) {
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("redis get failed, treating as miss", "error", err)
		}
		return Entry{}, false
	}

	var we redisEntry
	if err := json.Unmarshal(data, &we); err != nil {
		slog.Warn("corrupt redis entry, dropping", "key", key, "error", err)
		r.Delete(ctx, key)
		return Entry{}, false
	}

	e := Entry{
		Body:       we.Body,
		StatusCode: we.StatusCode,
		Header:     we.Header,
		StoredAt:   we.StoredAt,
		TTL:        time.Duration(we.TTLSeconds) * time.Second,
	}
	// Redis expiry already bounds the lifetime, but the entry's own clock
	// is authoritative.
	if e.Expired(time.Now()) {
		r.Delete(ctx, key)
		return Entry{}, false
	}
	return e, true
}

// Set stores an entry with Redis-side TTL.
func (r *Redis) Set(ctx context.Context, key string, e Entry) {
	data, err := json.Marshal(redisEntry{
		Body:       e.Body,
		StatusCode: e.StatusCode,
		Header:     e.Header,
		StoredAt:   e.StoredAt,
		TTLSeconds: int64(e.TTL / time.Second),
	})
	if err != nil {
		slog.Warn("redis set: marshal failed", "key", key, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, data, e.TTL).Err(); err != nil {
		slog.Warn("redis set failed", "key", key, "error", err)
	}
}

// Delete removes a single entry.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		slog.Warn("redis delete failed", "key", key, "error", err)
	}
}

// DeletePrefix removes every entry whose key path falls under the prefix.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) {
	r.deletePattern(ctx, escapeGlob(r.keyPrefix+prefix)+"*")
}

// Purge removes all gateway entries.
func (r *Redis) Purge(ctx context.Context) {
	r.deletePattern(ctx, escapeGlob(r.keyPrefix)+"*")
}

// escapeGlob backslash-escapes SCAN MATCH metacharacters so key prefixes
// containing them match literally.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// deletePattern scans for matching keys and deletes them in batches.
func (r *Redis) deletePattern(ctx context.Context, pattern string) {
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				slog.Warn("redis batch delete failed", "error", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		slog.Warn("redis scan failed", "pattern", pattern, "error", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			slog.Warn("redis batch delete failed", "error", err)
		}
	}
}

// Ping checks connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
