// Package broadcast fans published events out to in-process subscribers.
//
// Every subscriber owns a bounded channel. Publish never waits on a slow
// subscriber: if its channel is full the event is dropped for that subscriber
// only. Events are expected to carry full state, so a dropped event is
// repaired by the next one that gets through.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const DefaultBufferSize = 100

// Subscription is a registered output channel. The owner drains C() and must
// hand the subscription back through Hub.Unsubscribe when it is done.
type Subscription[T any] struct {
	id string
	ch chan T

	// mu orders sends against close so nothing is delivered after Unsubscribe.
	mu     sync.Mutex
	closed bool
}

func (s *Subscription[T]) ID() string {
	return s.id
}

// C returns the receive side of the subscription. It is closed once the
// subscription is removed from the hub.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

type offerResult int

const (
	offerDelivered offerResult = iota
	offerDropped
	offerClosed
)

func (s *Subscription[T]) offer(event T) offerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return offerClosed
	}
	select {
	case s.ch <- event:
		return offerDelivered
	default:
		return offerDropped
	}
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

type Hub[T any] struct {
	mu          sync.Mutex
	subscribers map[*Subscription[T]]struct{}
	closed      bool

	bufferSize int
	logger     *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub whose subscriptions buffer up to bufferSize events.
// A non-positive size falls back to DefaultBufferSize. If logger is nil,
// slog.Default() is used.
func NewHub[T any](bufferSize int, logger *slog.Logger) *Hub[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		subscribers: make(map[*Subscription[T]]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new subscription. On a closed hub the returned
// subscription is already closed.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		id: uuid.NewString(),
		ch: make(chan T, h.bufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subscribers[sub] = struct{}{}
	h.logger.Debug("hub subscribe", "subscription", sub.id, "subscribers", len(h.subscribers))
	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown, nil or already
// removed subscriptions are ignored.
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, ok := h.subscribers[sub]
	if ok {
		delete(h.subscribers, sub)
	}
	remaining := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	h.logger.Debug("hub unsubscribe", "subscription", sub.id, "subscribers", remaining)
}

// Publish offers event to every current subscriber without blocking.
func (h *Hub[T]) Publish(event T) {
	h.mu.Lock()
	subscribers := make([]*Subscription[T], 0, len(h.subscribers))
	for sub := range h.subscribers {
		subscribers = append(subscribers, sub)
	}
	h.mu.Unlock()

	h.published.Add(1)
	for _, sub := range subscribers {
		switch sub.offer(event) {
		case offerDelivered:
			h.delivered.Add(1)
		case offerDropped:
			h.dropped.Add(1)
			h.logger.Debug("hub drop: subscriber buffer full", "subscription", sub.id)
		case offerClosed:
		}
	}
}

func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub[T]) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close unsubscribes everyone. Readers blocked on C() observe a closed
// channel, which is how long-lived connections learn about shutdown.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subscribers := make([]*Subscription[T], 0, len(h.subscribers))
	for sub := range h.subscribers {
		subscribers = append(subscribers, sub)
	}
	clear(h.subscribers)
	h.mu.Unlock()

	for _, sub := range subscribers {
		sub.close()
	}
	h.logger.Info("hub closed", "subscribers", len(subscribers))
}
