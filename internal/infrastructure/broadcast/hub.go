// Package broadcast implements the in-process change-event hub. Publish never
// blocks: every subscriber owns a bounded queue and a lagging subscriber loses
// its oldest events, then receives a resync notice on its next read.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

const DefaultQueueSize = 256

// ErrClosed is returned by Receive once the subscription has been removed.
var ErrClosed = errors.New("subscription closed")

// MessageType distinguishes regular events from resync notices.
type MessageType string

const (
	MessageEvent  MessageType = "event"
	MessageResync MessageType = "resync"
)

// Message is one item read from a subscription.
type Message struct {
	Type    MessageType
	Event   domain.ChangeEvent
	Dropped int // resync only
}

// Hub fans change events out to subscribers.
type Hub struct {
	mu        sync.Mutex
	seq       uint64
	nextID    uint64
	subs      map[uint64]*Subscription
	queueSize int
	log       zerolog.Logger
}

func NewHub(queueSize int, log zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		log:       log,
	}
}

// Publish assigns the next sequence number and enqueues the event for every
// current subscriber.
func (h *Hub) Publish(e domain.ChangeEvent) {
	h.mu.Lock()
	h.seq++
	e.Seq = h.seq
	dropped := 0
	for _, s := range h.subs {
		if s.push(e) {
			dropped++
		}
	}
	h.mu.Unlock()

	metrics.BroadcastPublishedTotal.WithLabelValues(string(e.Kind)).Inc()
	if dropped > 0 {
		metrics.BroadcastDroppedTotal.Add(float64(dropped))
	}
}

// Subscribe registers a new subscriber. Events published before the call are not delivered.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		id:     h.nextID,
		queue:  make([]domain.ChangeEvent, 0, h.queueSize),
		cap:    h.queueSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.subs[s.id] = s
	metrics.BroadcastSubscribers.Inc()
	h.log.Debug().Uint64("subscriber_id", s.id).Int("subscribers", len(h.subs)).Msg("subscriber added")
	return s
}

// Unsubscribe removes s. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subs[s.id]
	delete(h.subs, s.id)
	remaining := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	metrics.BroadcastSubscribers.Dec()
	h.log.Debug().Uint64("subscriber_id", s.id).Int("subscribers", remaining).Msg("subscriber removed")
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscription is one subscriber's handle on the hub.
type Subscription struct {
	id uint64

	mu      sync.Mutex
	queue   []domain.ChangeEvent
	cap     int
	dropped int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) ID() uint64 { return s.id }

// push appends e, evicting the oldest queued event when full. It reports
// whether an event was evicted.
func (s *Subscription) push(e domain.ChangeEvent) (evicted bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.cap {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		evicted = true
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

// TryReceive returns the next message without waiting.
func (s *Subscription) TryReceive() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

// Receive blocks until a message is available, ctx is done or the subscription closes.
// A pending resync notice is always delivered before further events.
func (s *Subscription) Receive(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		msg, ok := s.next()
		closed := s.closed
		s.mu.Unlock()

		if ok {
			return msg, nil
		}
		if closed {
			return Message{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Done is closed when the subscription is removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) next() (Message, bool) {
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		metrics.BroadcastResyncTotal.Inc()
		return Message{Type: MessageResync, Dropped: n}, true
	}
	if len(s.queue) == 0 {
		return Message{}, false
	}
	e := s.queue[0]
	s.queue[0] = domain.ChangeEvent{}
	s.queue = s.queue[1:]
	return Message{Type: MessageEvent, Event: e}, true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.dropped = 0
	close(s.done)
}
