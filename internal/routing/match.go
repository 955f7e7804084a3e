// Package routing provides deterministic path-prefix route matching shared
// by the proxy, rate limiter, and OpenAPI aggregator. Overlapping prefixes
// resolve to the longest match, never to registration order, so /auth/admin
// cannot be shadowed by an earlier /auth entry.
package routing

import (
	"sort"
	"strings"

	"github.com/pupero/api-manager/internal/config"
)

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// Table is an immutable route table ordered longest-prefix-first.
// Built once at startup; safe for concurrent use without locking.
type Table struct {
	routes []config.RouteConfig
}

// NewTable copies and sorts the given routes by descending prefix length.
// The input slice is not modified.
func NewTable(routes []config.RouteConfig) Table {
	sorted := make([]config.RouteConfig, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return Table{routes: sorted}
}

// Match returns the route whose prefix matches path. Because the table is
// ordered longest-first, the first hit is the longest matching prefix.
func (t Table) Match(path string) (config.RouteConfig, bool) {
	for _, route := range t.routes {
		if MatchesPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return config.RouteConfig{}, false
}

// Routes returns the table's routes in match-priority order.
func (t Table) Routes() []config.RouteConfig {
	return t.routes
}
