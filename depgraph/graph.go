// Package depgraph maintains the directed dependency graph over cache keys.
// An edge (dependent, dependsOn) means the dependent entry is stale whenever
// the depends-on entry changes. The graph keeps two mirrored adjacency
// indices so both traversal directions are O(degree), and tolerates cycles by
// tracking visited nodes during traversal.
package depgraph

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tiercache/errors"
)

// DefaultMaxDepth bounds transitive traversals when the caller does not
// specify a depth.
const DefaultMaxDepth = 5

// EdgeMetadata carries per-edge bookkeeping.
type EdgeMetadata struct {
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil means the edge never expires
}

// expired reports whether the edge has passed its expiry at the given time.
func (m EdgeMetadata) expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Graph is a thread-safe directed dependency graph over cache keys.
// The zero value is not usable; use New.
type Graph struct {
	mu sync.RWMutex

	// forward: dependent -> (dependsOn -> metadata)
	forward map[string]map[string]EdgeMetadata
	// reverse: dependsOn -> set of dependents
	// Invariant: every forward edge has exactly one mirrored reverse edge.
	reverse map[string]map[string]struct{}

	logger *slog.Logger
}

// New creates an empty dependency graph.
func New(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		forward: make(map[string]map[string]EdgeMetadata),
		reverse: make(map[string]map[string]struct{}),
		logger:  logger,
	}
}

// Register records a depends-on edge from dependent to dependsOn.
// Re-registering an existing edge updates its metadata.
func (g *Graph) Register(dependent, dependsOn string, meta EdgeMetadata) error {
	if dependent == "" || dependsOn == "" {
		return errors.WrapInvalid(errors.ErrEmptyKey, "depgraph", "Register", "edge endpoints")
	}
	if dependent == dependsOn {
		return errors.WrapInvalid(errors.ErrInvalidKey, "depgraph", "Register", "self-referential edge")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.forward[dependent] == nil {
		g.forward[dependent] = make(map[string]EdgeMetadata)
	}
	g.forward[dependent][dependsOn] = meta

	if g.reverse[dependsOn] == nil {
		g.reverse[dependsOn] = make(map[string]struct{})
	}
	g.reverse[dependsOn][dependent] = struct{}{}

	return nil
}

// Remove deletes a single edge in both directions. Returns true if the edge
// existed.
func (g *Graph) Remove(dependent, dependsOn string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeEdgeLocked(dependent, dependsOn)
}

// removeEdgeLocked removes one edge from both indices.
// Must be called with mutex held.
func (g *Graph) removeEdgeLocked(dependent, dependsOn string) bool {
	deps, ok := g.forward[dependent]
	if !ok {
		return false
	}
	if _, ok := deps[dependsOn]; !ok {
		return false
	}

	delete(deps, dependsOn)
	if len(deps) == 0 {
		delete(g.forward, dependent)
	}

	if dependents, ok := g.reverse[dependsOn]; ok {
		delete(dependents, dependent)
		if len(dependents) == 0 {
			delete(g.reverse, dependsOn)
		}
	}
	return true
}

// RemoveKey removes every edge touching key, in both directions.
func (g *Graph) RemoveKey(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Edges where key is the dependent
	for dependsOn := range g.forward[key] {
		g.removeEdgeLocked(key, dependsOn)
	}
	// Edges where key is the dependency
	for dependent := range g.reverse[key] {
		g.removeEdgeLocked(dependent, key)
	}
}

// Dependents returns the transitive dependents of key up to maxDepth hops,
// in breadth-first order (direct dependents first). The key itself is not
// included. maxDepth <= 0 uses DefaultMaxDepth.
func (g *Graph) Dependents(key string, maxDepth int) []string {
	return g.traverse(key, maxDepth, func(k string) map[string]struct{} {
		return g.reverse[k]
	})
}

// Dependencies returns the transitive dependencies of key up to maxDepth
// hops, in breadth-first order. maxDepth <= 0 uses DefaultMaxDepth.
func (g *Graph) Dependencies(key string, maxDepth int) []string {
	return g.traverse(key, maxDepth, func(k string) map[string]struct{} {
		deps, ok := g.forward[k]
		if !ok {
			return nil
		}
		out := make(map[string]struct{}, len(deps))
		for d := range deps {
			out[d] = struct{}{}
		}
		return out
	})
}

// traverse walks one adjacency direction breadth-first with a visited set, so
// cyclic graphs terminate.
func (g *Graph) traverse(key string, maxDepth int, neighbors func(string) map[string]struct{}) []string {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]struct{}{key: {}}
	var result []string
	frontier := []string{key}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, k := range frontier {
			for n := range neighbors(k) {
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = struct{}{}
				result = append(result, n)
				next = append(next, n)
			}
		}
		frontier = next
	}

	return result
}

// DirectDependents returns the immediate dependents of key.
func (g *Graph) DirectDependents(key string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	dependents, ok := g.reverse[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(dependents))
	for d := range dependents {
		out = append(out, d)
	}
	return out
}

// EdgeCount returns the number of edges currently recorded.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, deps := range g.forward {
		count += len(deps)
	}
	return count
}

// Sweep removes edges whose expiry has passed and returns how many were
// dropped.
func (g *Graph) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	type edge struct{ dependent, dependsOn string }
	var expired []edge
	for dependent, deps := range g.forward {
		for dependsOn, meta := range deps {
			if meta.expired(now) {
				expired = append(expired, edge{dependent, dependsOn})
			}
		}
	}

	for _, e := range expired {
		g.removeEdgeLocked(e.dependent, e.dependsOn)
	}

	if len(expired) > 0 {
		g.logger.Debug("swept expired dependency edges", "count", len(expired))
	}
	return len(expired)
}

// Clear drops every edge from the graph.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forward = make(map[string]map[string]EdgeMetadata)
	g.reverse = make(map[string]map[string]struct{})
}
