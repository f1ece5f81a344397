package invalidation

// EventCallback is invoked when its named event fires. The returned keys are
// merged into the invalidation set alongside the explicit keys.
type EventCallback func(event string, keys []string) []string

// SubscribeEvent registers a callback for a named event. Callbacks run
// synchronously in registration order when the event strategy fires.
func (e *Engine) SubscribeEvent(name string, fn EventCallback) {
	if name == "" || fn == nil {
		return
	}
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	e.events[name] = append(e.events[name], fn)
}

// eventKeys returns the union of the explicit keys and every subscriber's
// contribution, preserving first-occurrence order.
func (e *Engine) eventKeys(name string, keys []string) []string {
	e.eventsMu.RLock()
	callbacks := e.events[name]
	e.eventsMu.RUnlock()

	seen := make(map[string]struct{}, len(keys))
	merged := make([]string, 0, len(keys))
	add := func(key string) {
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		merged = append(merged, key)
	}

	for _, key := range keys {
		add(key)
	}
	for _, fn := range callbacks {
		for _, key := range fn(name, keys) {
			add(key)
		}
	}
	return merged
}
