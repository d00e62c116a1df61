package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// keyHeaders is the whitelist of request headers folded into the cache key.
// Content negotiation headers change the response representation, so two
// requests that differ in them must not share an entry.
var keyHeaders = []string{"Accept", "Accept-Language"}

// Key builds the deterministic cache key for a read request.
//
// The key has the form "<normalized-path>#<sha256-hex>": the path segment
// lets prefix-scoped invalidation match keys without an index, while the
// digest covers method, path, sorted query parameters, and whitelisted
// headers. Query parameter order never affects the key; paths stay
// case-sensitive; trailing slashes are stripped so /products and /products/
// share an entry.
func Key(method, path string, query url.Values, header http.Header) string {
	normPath := NormalizePath(path)

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(normPath)
	b.WriteByte('\n')
	writeSortedQuery(&b, query)
	for _, h := range keyHeaders {
		if v := header.Get(h); v != "" {
			b.WriteByte('\n')
			b.WriteString(h)
			b.WriteByte(':')
			b.WriteString(v)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return normPath + "#" + hex.EncodeToString(sum[:])
}

// NormalizePath strips trailing slashes, preserving case. The root path
// stays "/".
func NormalizePath(path string) string {
	p := strings.TrimRight(path, "/")
	if p == "" {
		return "/"
	}
	return p
}

// writeSortedQuery serializes query parameters sorted by name, with values
// sorted within each name for full determinism.
func writeSortedQuery(b *strings.Builder, query url.Values) {
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		vals := query[name]
		if len(vals) > 1 {
			vals = append([]string(nil), vals...)
			sort.Strings(vals)
		}
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
}
