// Package stream implements the per-tenant fan-out hub behind the
// real-time call-status feed: bounded per-subscriber mailboxes,
// drop-oldest backpressure, heartbeats, and replay of the latest row on
// connect.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultMailboxSize bounds each subscriber's buffered mailbox. On
	// overflow the oldest message is dropped, never the connection.
	DefaultMailboxSize = 64

	// HeartbeatInterval is how often an idle connection receives a
	// keep-alive frame.
	HeartbeatInterval = 15 * time.Second
)

// Subscriber is one connected client on a tenant topic. Messages are
// delivered FIFO on C; the channel is closed when the subscriber is
// removed from the hub.
type Subscriber struct {
	tenantID uuid.UUID
	mbox     chan json.RawMessage
	closed   bool
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan json.RawMessage { return s.mbox }

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	latest json.RawMessage
}

// Hub maintains per-tenant pub/sub topics. All methods are safe for
// concurrent use.
type Hub struct {
	mu     sync.RWMutex
	topics map[uuid.UUID]*topic

	mailboxSize int
	logger      *slog.Logger
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
}

// NewHub creates a Hub. mailboxSize <= 0 falls back to DefaultMailboxSize.
func NewHub(mailboxSize int, logger *slog.Logger, subscribers prometheus.Gauge, dropped prometheus.Counter) *Hub {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Hub{
		topics:      make(map[uuid.UUID]*topic),
		mailboxSize: mailboxSize,
		logger:      logger,
		subscribers: subscribers,
		dropped:     dropped,
	}
}

func (h *Hub) topicFor(tenantID uuid.UUID) *topic {
	h.mu.RLock()
	t, ok := h.topics[tenantID]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[tenantID]; ok {
		return t
	}
	t = &topic{subs: make(map[*Subscriber]struct{})}
	h.topics[tenantID] = t
	return t
}

// Subscribe registers a new subscriber on the tenant's topic. When replay
// is true and the topic has seen at least one message, that latest message
// is delivered first.
func (h *Hub) Subscribe(tenantID uuid.UUID, replay bool) *Subscriber {
	t := h.topicFor(tenantID)
	sub := &Subscriber{tenantID: tenantID, mbox: make(chan json.RawMessage, h.mailboxSize)}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	if replay && t.latest != nil {
		sub.mbox <- t.latest
	}
	t.mu.Unlock()

	if h.subscribers != nil {
		h.subscribers.Inc()
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its mailbox. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	t := h.topicFor(sub.tenantID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(t.subs, sub)
	close(sub.mbox)

	if h.subscribers != nil {
		h.subscribers.Dec()
	}
}

// Publish delivers payload to every subscriber of the tenant's topic and
// records it as the topic's latest message. A full mailbox drops its
// oldest entry to make room (slow-consumer backpressure); the subscriber
// is never disconnected for falling behind.
func (h *Hub) Publish(tenantID uuid.UUID, payload json.RawMessage) {
	t := h.topicFor(tenantID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = payload

	for sub := range t.subs {
		select {
		case sub.mbox <- payload:
		default:
			// Mailbox full: drop the oldest, then retry once. The second
			// send can only fail if the mailbox size is zero.
			select {
			case <-sub.mbox:
				if h.dropped != nil {
					h.dropped.Inc()
				}
			default:
			}
			select {
			case sub.mbox <- payload:
			default:
			}
		}
	}
}

// Latest returns the most recent message published on the tenant's topic,
// or nil if none has been seen yet.
func (h *Hub) Latest(tenantID uuid.UUID) json.RawMessage {
	t := h.topicFor(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}
