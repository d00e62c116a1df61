// Package route implements the static route table mapping path prefixes to
// upstream services.
package route

import (
	"sort"
	"strings"

	gateway "heimdall/internal"
)

// Table resolves request paths to routes by longest-prefix match. It is
// built once at startup and read-only thereafter, so lookups need no
// locking.
type Table struct {
	routes []gateway.Route // sorted by descending prefix length
}

// NewTable builds a table from the given routes. Routes are matched by the
// longest prefix that covers the request path; order in the input slice does
// not matter.
func NewTable(routes []gateway.Route) *Table {
	sorted := make([]gateway.Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Table{routes: sorted}
}

// Match returns the route with the longest prefix covering path, or false
// when no route matches. A prefix matches only on segment boundaries:
// /api/users covers /api/users and /api/users/42 but not /api/users2.
func (t *Table) Match(path string) (gateway.Route, bool) {
	for _, r := range t.routes {
		if matchesPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return gateway.Route{}, false
}

// Routes returns all configured routes in match order.
func (t *Table) Routes() []gateway.Route {
	return t.routes
}

func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	// Exact match, or the next byte starts a new segment.
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
