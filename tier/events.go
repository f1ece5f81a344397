package tier

import "sync"

// SetFunc receives set notifications: key, value, and the version stamped on
// the entry (0 if untracked).
type SetFunc func(key string, value []byte, version int64)

// DeleteFunc receives delete notifications.
type DeleteFunc func(key string)

// ClearFunc receives clear notifications with the pattern used, empty for a
// full clear.
type ClearFunc func(pattern string)

// AccessFunc receives read-hit notifications. The cache warmer subscribes
// here to track hot keys.
type AccessFunc func(key string)

// Notifier is the typed publish/subscribe surface for cache mutations.
// Subscribers are invoked synchronously in registration order; there is no
// implicit global bus. The engine facade subscribes set and delete events to
// announce mutations to the coherence manager; the cache warmer subscribes
// to access events.
type Notifier struct {
	mu         sync.RWMutex
	setSubs    []SetFunc
	delSubs    []DeleteFunc
	clearSubs  []ClearFunc
	accessSubs []AccessFunc
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// SubscribeSet registers a callback for set events.
func (n *Notifier) SubscribeSet(fn SetFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.setSubs = append(n.setSubs, fn)
	n.mu.Unlock()
}

// SubscribeDelete registers a callback for delete events.
func (n *Notifier) SubscribeDelete(fn DeleteFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.delSubs = append(n.delSubs, fn)
	n.mu.Unlock()
}

// SubscribeClear registers a callback for clear events.
func (n *Notifier) SubscribeClear(fn ClearFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.clearSubs = append(n.clearSubs, fn)
	n.mu.Unlock()
}

// SubscribeAccess registers a callback for read hits.
func (n *Notifier) SubscribeAccess(fn AccessFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.accessSubs = append(n.accessSubs, fn)
	n.mu.Unlock()
}

func (n *Notifier) publishAccess(key string) {
	n.mu.RLock()
	subs := n.accessSubs
	n.mu.RUnlock()
	for _, fn := range subs {
		fn(key)
	}
}

func (n *Notifier) publishSet(key string, value []byte, version int64) {
	n.mu.RLock()
	subs := n.setSubs
	n.mu.RUnlock()
	for _, fn := range subs {
		fn(key, value, version)
	}
}

func (n *Notifier) publishDelete(key string) {
	n.mu.RLock()
	subs := n.delSubs
	n.mu.RUnlock()
	for _, fn := range subs {
		fn(key)
	}
}

func (n *Notifier) publishClear(pattern string) {
	n.mu.RLock()
	subs := n.clearSubs
	n.mu.RUnlock()
	for _, fn := range subs {
		fn(pattern)
	}
}
