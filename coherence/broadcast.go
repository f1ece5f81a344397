package coherence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/pkg/retry"
)

// InvalidationMessage is the cross-node invalidation envelope. Peers apply
// it by invalidating the named keys locally, never by overwriting, so stale
// data cannot be resurrected.
type InvalidationMessage struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	Keys      []string  `json:"keys"`
	Version   Version   `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster carries invalidation messages between nodes. Publish is
// fire-and-forget; delivery is at-most-once with inbound deduplication left
// to the subscriber.
type Broadcaster interface {
	Publish(ctx context.Context, msg InvalidationMessage) error
	Subscribe(handler func(InvalidationMessage)) error
	Close() error
}

// DefaultBroadcastSubject is the NATS subject invalidations travel on.
const DefaultBroadcastSubject = "tiercache.invalidation"

// NATSBroadcaster is the NATS-backed Broadcaster.
type NATSBroadcaster struct {
	conn    *nats.Conn
	subject string
	sub     *nats.Subscription
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewNATSBroadcaster connects to NATS and returns a broadcaster on the
// given subject, DefaultBroadcastSubject when empty.
func NewNATSBroadcaster(url, subject string, logger *slog.Logger) (*NATSBroadcaster, error) {
	if subject == "" {
		subject = DefaultBroadcastSubject
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url,
		nats.Name("tiercache-coherence"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "coherence", "NewNATSBroadcaster", "connect "+url)
	}

	return &NATSBroadcaster{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Publish sends an invalidation message to every subscribed node.
func (b *NATSBroadcaster) Publish(ctx context.Context, msg InvalidationMessage) error {
	if b.closed.Load() {
		return errors.WrapInvalid(errors.ErrBroadcasterClosed, "coherence", "Publish", "broadcaster")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "coherence", "Publish", "marshal message")
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return errors.WrapTransient(err, "coherence", "Publish", "publish to "+b.subject)
	}
	return nil
}

// Subscribe registers the inbound message handler. Malformed messages are
// logged and dropped.
func (b *NATSBroadcaster) Subscribe(handler func(InvalidationMessage)) error {
	if b.closed.Load() {
		return errors.WrapInvalid(errors.ErrBroadcasterClosed, "coherence", "Subscribe", "broadcaster")
	}

	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		var msg InvalidationMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("dropping malformed invalidation message", "subject", b.subject, "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return errors.WrapTransient(err, "coherence", "Subscribe", "subscribe to "+b.subject)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and connection.
func (b *NATSBroadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "subject", b.subject, "error", err)
		}
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return errors.WrapTransient(err, "coherence", "Close", "drain connection")
	}
	return nil
}

// broadcast publishes an outbound invalidation for key when distributed
// mode is on. Transient publish failures are retried with backoff; failures
// are logged, never surfaced to the writer.
func (m *Manager) broadcast(key string, version Version) {
	if m.broadcaster == nil {
		return
	}

	msg := InvalidationMessage{
		ID:        uuid.NewString(),
		Origin:    m.cfg.Origin,
		Keys:      []string{key},
		Version:   version,
		Timestamp: time.Now(),
	}
	m.markSeen(msg.ID) // never re-apply our own message

	err := retry.Do(context.Background(), m.cfg.PropagationRetry, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PropagationTimeout)
		defer cancel()
		if err := m.broadcaster.Publish(ctx, msg); err != nil {
			if errors.Classify(err) != errors.ErrorTransient {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("invalidation broadcast failed", "key", key, "error", err)
	}
}

// handleBroadcast applies an inbound invalidation: deduplicate by id, check
// for a version conflict, then invalidate the keys locally.
func (m *Manager) handleBroadcast(msg InvalidationMessage) {
	if msg.Origin == m.cfg.Origin {
		return
	}
	if !m.markSeen(msg.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PropagationTimeout)
	defer cancel()

	for _, key := range msg.Keys {
		if local, ok := m.versions.Get(key); ok && !msg.Version.IsZero() {
			switch Compare(local, msg.Version) {
			case Greater:
				// Local write is newer than the broadcast; keep it.
				continue
			case Concurrent:
				m.recordViolation()
				m.logger.Warn("concurrent version on inbound invalidation", "key", key, "origin", msg.Origin)
			}
		}

		// Untrack first so layer event hooks see a coherence-applied
		// delete and do not announce it again.
		m.versions.Remove(key)
		for _, layer := range m.peers("") {
			if err := layer.Delete(ctx, key); err != nil {
				m.logger.Warn("inbound invalidation failed", "key", key, "layer", layer.Name(), "error", err)
			}
		}
	}
}

// markSeen records a broadcast id, reporting false when it was already seen
// within the TTL.
func (m *Manager) markSeen(id string) bool {
	now := time.Now()
	m.seenMu.Lock()
	defer m.seenMu.Unlock()

	if at, ok := m.seen[id]; ok && now.Sub(at) < m.cfg.SeenTTL {
		return false
	}
	m.seen[id] = now
	return true
}

// sweepSeen drops seen ids older than the TTL.
func (m *Manager) sweepSeen(now time.Time) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	for id, at := range m.seen {
		if now.Sub(at) >= m.cfg.SeenTTL {
			delete(m.seen, id)
		}
	}
}
