// Package coherence keeps registered cache layers in agreement about the
// value and presence of keys. It assigns versions to writes, propagates
// mutations to peer layers under a strong or eventual consistency policy,
// periodically audits cross-layer agreement, and resolves detected
// conflicts. An optional broadcaster extends propagation across nodes.
package coherence

import (
	"sync"
	"time"
)

// Ordering is the outcome of comparing two versions. Concurrent is a
// first-class outcome: vector versions where neither side dominates must be
// routed to conflict resolution, never collapsed by arrival order.
type Ordering int

const (
	Less Ordering = iota
	Equal
	Greater
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Mode selects the version representation.
type Mode string

const (
	// ModeScalar versions are monotonic timestamps; comparison is numeric.
	ModeScalar Mode = "scalar"

	// ModeVector versions carry one counter per writing layer; comparison
	// is by dominance and may yield Concurrent.
	ModeVector Mode = "vector"
)

// Version is either a scalar timestamp or a vector of per-layer counters,
// depending on the configured mode. A non-nil Vector marks the vector form.
type Version struct {
	Scalar int64            `json:"scalar,omitempty"`
	Vector map[string]int64 `json:"vector,omitempty"`
}

// ScalarVersion builds a scalar version from a timestamp.
func ScalarVersion(ts int64) Version {
	return Version{Scalar: ts}
}

// IsZero reports whether the version has never been assigned.
func (v Version) IsZero() bool {
	return v.Scalar == 0 && len(v.Vector) == 0
}

// clone returns an independent copy so stored versions are never aliased by
// callers.
func (v Version) clone() Version {
	if v.Vector == nil {
		return v
	}
	c := Version{Scalar: v.Scalar, Vector: make(map[string]int64, len(v.Vector))}
	for layer, counter := range v.Vector {
		c.Vector[layer] = counter
	}
	return c
}

// Compare orders two versions. Scalars compare numerically. Vectors compare
// by per-layer dominance: a < b when every counter of a is <= b's and at
// least one is strictly less; when neither dominates the result is
// Concurrent. A scalar compared against a vector is Concurrent as well,
// since the two carry no common ordering.
func Compare(a, b Version) Ordering {
	aVec, bVec := a.Vector != nil, b.Vector != nil
	if aVec != bVec {
		return Concurrent
	}
	if !aVec {
		switch {
		case a.Scalar < b.Scalar:
			return Less
		case a.Scalar > b.Scalar:
			return Greater
		default:
			return Equal
		}
	}

	aDominated, bDominated := true, true // a <= b, b <= a
	layers := make(map[string]struct{}, len(a.Vector)+len(b.Vector))
	for layer := range a.Vector {
		layers[layer] = struct{}{}
	}
	for layer := range b.Vector {
		layers[layer] = struct{}{}
	}
	for layer := range layers {
		av, bv := a.Vector[layer], b.Vector[layer]
		if av > bv {
			aDominated = false
		}
		if bv > av {
			bDominated = false
		}
	}

	switch {
	case aDominated && bDominated:
		return Equal
	case aDominated:
		return Less
	case bDominated:
		return Greater
	default:
		return Concurrent
	}
}

// mergedVersion builds a version dominating every input, for resolution
// writes. Scalar inputs take the maximum plus one; vector inputs take the
// element-wise maximum with the resolving layer's counter bumped.
func mergedVersion(versions map[string]Version, resolver string) Version {
	vector := false
	for _, v := range versions {
		if v.Vector != nil {
			vector = true
			break
		}
	}

	if !vector {
		var max int64
		for _, v := range versions {
			if v.Scalar > max {
				max = v.Scalar
			}
		}
		return Version{Scalar: max + 1}
	}

	merged := Version{Vector: make(map[string]int64)}
	for _, v := range versions {
		for layer, counter := range v.Vector {
			if counter > merged.Vector[layer] {
				merged.Vector[layer] = counter
			}
		}
	}
	merged.Vector[resolver]++
	return merged
}

// VersionTable is the authoritative per-key version store owned by the
// coherence manager. No other component mutates it directly.
type VersionTable struct {
	mu      sync.RWMutex
	mode    Mode
	records map[string]Version
}

// NewVersionTable creates an empty version table for the given mode.
func NewVersionTable(mode Mode) *VersionTable {
	return &VersionTable{
		mode:    mode,
		records: make(map[string]Version),
	}
}

// Get returns the current version for key.
func (t *VersionTable) Get(key string) (Version, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.records[key]
	return v.clone(), ok
}

// Set stores a version for key, replacing any previous one.
func (t *VersionTable) Set(key string, v Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[key] = v.clone()
}

// Next assigns and stores the successor version for a write by the given
// layer. The layer's own component is strictly monotonic across its writes
// to the key: scalar versions advance past both the wall clock and the
// previous version, vector versions increment the layer's counter.
func (t *VersionTable) Next(layer, key string) Version {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.records[key]
	var next Version
	if t.mode == ModeVector {
		next = Version{Vector: make(map[string]int64, len(prev.Vector)+1)}
		for l, counter := range prev.Vector {
			next.Vector[l] = counter
		}
		next.Vector[layer]++
	} else {
		now := time.Now().UnixNano()
		if now <= prev.Scalar {
			now = prev.Scalar + 1
		}
		next = Version{Scalar: now}
	}

	t.records[key] = next
	return next.clone()
}

// Remove drops the version tracked for key.
func (t *VersionTable) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key)
}

// Clear drops every tracked version.
func (t *VersionTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]Version)
}

// Len returns the number of tracked keys.
func (t *VersionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Version returns a scalar view of the key's version, satisfying the
// invalidation engine's version-store contract. In vector mode the view is
// the counter sum, which changes on every write.
func (t *VersionTable) Version(key string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.records[key]
	if !ok {
		return 0, false
	}
	if v.Vector == nil {
		return v.Scalar, true
	}
	var sum int64
	for _, counter := range v.Vector {
		sum += counter
	}
	return sum, true
}

// SetVersion stores a scalar version for key. Meaningful in scalar mode
// only; in vector mode the scalar is kept alongside the vector untouched.
func (t *VersionTable) SetVersion(key string, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == ModeVector {
		return
	}
	t.records[key] = Version{Scalar: version}
}
