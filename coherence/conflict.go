package coherence

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/c360/tiercache/errors"
)

// Conflict records a cross-layer version disagreement found by the audit,
// with the per-layer version map and the resolution applied.
type Conflict struct {
	Key        string             `json:"key"`
	Versions   map[string]Version `json:"versions"`
	DetectedAt time.Time          `json:"detected_at"`
	Resolution ResolutionPolicy   `json:"resolution"`
}

// SubscribeConflict registers a callback notified of every detected
// conflict after resolution ran. Callbacks run synchronously in
// registration order.
func (m *Manager) SubscribeConflict(fn ConflictFunc) {
	if fn == nil {
		return
	}
	m.conflictMu.Lock()
	m.conflictSubs = append(m.conflictSubs, fn)
	m.conflictMu.Unlock()
}

func (m *Manager) notifyConflict(c Conflict) {
	m.conflictMu.RLock()
	subs := m.conflictSubs
	m.conflictMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

// Audit samples keys across layers, compares each layer's version for the
// sampled keys, and routes every disagreement through the resolution
// policy. Two or more distinct versions for one key is a violation. Returns
// the conflicts found.
func (m *Manager) Audit(ctx context.Context) []Conflict {
	layers := m.peers("") // all layers
	if len(layers) < 2 {
		return nil
	}

	sampled := m.sampleKeys(ctx, layers)

	var conflicts []Conflict
	for _, key := range sampled {
		versions := m.layerVersions(ctx, layers, key)
		if len(versions) < 2 || agree(versions) {
			continue
		}

		conflict := Conflict{
			Key:        key,
			Versions:   versions,
			DetectedAt: time.Now(),
			Resolution: m.cfg.Resolution,
		}
		m.recordViolation()
		m.logger.Warn("coherence violation detected", "key", key, "layers", len(versions))

		if err := m.resolve(ctx, &conflict); err != nil {
			m.logger.Error("conflict resolution failed", "key", key, "policy", m.cfg.Resolution, "error", err)
		}
		m.notifyConflict(conflict)
		conflicts = append(conflicts, conflict)
	}
	return conflicts
}

// sampleKeys gathers up to AuditSampleSize keys from each layer,
// deduplicated and sorted for deterministic audit order.
func (m *Manager) sampleKeys(ctx context.Context, layers []Layer) []string {
	seen := make(map[string]struct{})
	for _, layer := range layers {
		keys, err := layer.Keys(ctx)
		if err != nil {
			m.logger.Warn("audit key sampling failed", "layer", layer.Name(), "error", err)
			continue
		}
		if len(keys) > m.cfg.AuditSampleSize {
			keys = keys[:m.cfg.AuditSampleSize]
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// layerVersions fetches each layer's version for key; layers not holding
// the key are omitted.
func (m *Manager) layerVersions(ctx context.Context, layers []Layer, key string) map[string]Version {
	versions := make(map[string]Version)
	for _, layer := range layers {
		opCtx, cancel := context.WithTimeout(ctx, m.cfg.PropagationTimeout)
		_, version, err := layer.Get(opCtx, key)
		cancel()
		if err != nil {
			if !stderrors.Is(err, errors.ErrKeyNotFound) {
				m.logger.Warn("audit read failed", "layer", layer.Name(), "key", key, "error", err)
			}
			continue
		}
		versions[layer.Name()] = version
	}
	return versions
}

// agree reports whether every version in the map compares Equal.
func agree(versions map[string]Version) bool {
	var first Version
	initialized := false
	for _, v := range versions {
		if !initialized {
			first = v
			initialized = true
			continue
		}
		if Compare(first, v) != Equal {
			return false
		}
	}
	return true
}

// resolve repairs one conflict per the configured policy. Every resolution
// is counted and reported; none is applied silently.
func (m *Manager) resolve(ctx context.Context, c *Conflict) error {
	var err error
	switch m.cfg.Resolution {
	case ResolveUseLatest:
		err = m.resolveUseLatest(ctx, c)
	case ResolveMerge:
		err = m.resolveMerge(ctx, c)
	case ResolveRemove:
		err = m.resolveRemove(ctx, c)
	case ResolveManual:
		// Reported only; repair is the operator's call.
	}

	m.resolutions.Add(1)
	if m.metrics != nil {
		m.metrics.ConflictResolutions.WithLabelValues(string(m.cfg.Resolution)).Inc()
	}
	return err
}

// winner picks the layer holding the latest version. Concurrent pairs have
// no latest; the tie breaks on layer name so resolution stays
// deterministic.
func winner(versions map[string]Version) (string, Version) {
	names := make([]string, 0, len(versions))
	for name := range versions {
		names = append(names, name)
	}
	sort.Strings(names)

	best := names[0]
	for _, name := range names[1:] {
		if Compare(versions[best], versions[name]) == Less {
			best = name
		}
	}
	return best, versions[best]
}

// resolveUseLatest reads the winning layer's value and writes it to every
// other conflicting layer under the winning version.
func (m *Manager) resolveUseLatest(ctx context.Context, c *Conflict) error {
	winName, winVersion := winner(c.Versions)
	layer, err := m.layer(winName)
	if err != nil {
		return err
	}

	value, _, err := layer.Get(ctx, c.Key)
	if err != nil {
		return errors.WrapTransient(err, "coherence", "resolve", "read winning value from "+winName)
	}

	// Track the winning version before writing so layer event hooks see the
	// repair as already versioned.
	m.versions.Set(c.Key, winVersion)
	for name := range c.Versions {
		if name == winName {
			continue
		}
		peer, err := m.layer(name)
		if err != nil {
			continue
		}
		if err := peer.Set(ctx, c.Key, value, winVersion); err != nil {
			m.logger.Warn("resolution write failed", "key", c.Key, "layer", name, "error", err)
		}
	}
	return nil
}

// resolveMerge combines the conflicting values and writes the result to
// every layer under a version dominating all inputs.
func (m *Manager) resolveMerge(ctx context.Context, c *Conflict) error {
	if m.mergeFn == nil {
		return errors.WrapInvalid(errors.ErrNoMergeFunc, "coherence", "resolve", c.Key)
	}

	values := make(map[string][]byte, len(c.Versions))
	for name := range c.Versions {
		layer, err := m.layer(name)
		if err != nil {
			continue
		}
		value, _, err := layer.Get(ctx, c.Key)
		if err != nil {
			continue
		}
		values[name] = value
	}

	resolver, _ := winner(c.Versions)
	merged := m.mergeFn(c.Key, values)
	version := mergedVersion(c.Versions, resolver)

	m.versions.Set(c.Key, version)
	for name := range c.Versions {
		layer, err := m.layer(name)
		if err != nil {
			continue
		}
		if err := layer.Set(ctx, c.Key, merged, version); err != nil {
			m.logger.Warn("merge write failed", "key", c.Key, "layer", name, "error", err)
		}
	}
	return nil
}

// resolveRemove drops the key from every layer, shedding the conflict.
func (m *Manager) resolveRemove(ctx context.Context, c *Conflict) error {
	m.versions.Remove(c.Key)
	for _, layer := range m.peers("") {
		if err := layer.Delete(ctx, c.Key); err != nil {
			m.logger.Warn("resolution delete failed", "key", c.Key, "layer", layer.Name(), "error", err)
		}
	}
	return nil
}
