package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the per-subscriber buffer of the broadcast channel.
// A subscriber that falls further behind than this starts losing its
// oldest pending messages.
const DefaultCapacity = 1024

// ErrNoSubscribers is returned by Publish when nobody is listening.
// Publishing to an empty room is valid; callers log it at most.
var ErrNoSubscribers = errors.New("hub: no subscribers")

// LagError reports that a subscriber fell behind and lost messages. It
// is surfaced once per gap; the subscriber then resumes from the oldest
// retained message.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("hub: subscriber lagging, skipped %d messages", e.Skipped)
}

// Hub fans raw binary payloads out to every current subscriber. Each
// subscriber advances through its own buffer independently; publishers
// are never blocked or failed by a slow receiver.
type Hub struct {
	capacity int

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func New() *Hub {
	return NewWithCapacity(DefaultCapacity)
}

func NewWithCapacity(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Publish enqueues payload for every current subscriber and reports how
// many will observe it. It returns ErrNoSubscribers when the room is
// empty; callers must not treat that as fatal.
func (h *Hub) Publish(payload []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return 0, ErrNoSubscribers
	}
	for s := range h.subs {
		s.offer(payload)
	}
	return len(h.subs), nil
}

// Subscribe returns a fresh receiver positioned at the current head of
// the channel. Call Close when done to release the slot.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		hub: h,
		ch:  make(chan []byte, h.capacity),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Subscriber is one receive handle on the hub.
type Subscriber struct {
	hub *Hub

	mu      sync.Mutex
	skipped uint64
	ch      chan []byte
}

// offer never blocks the publisher. When the buffer is full the oldest
// pending message is dropped and counted as lag, then the new head is
// pushed; published order is preserved for everything retained.
func (s *Subscriber) offer(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- payload:
		return
	default:
	}
	select {
	case <-s.ch:
		s.skipped++
	default:
	}
	select {
	case s.ch <- payload:
	default:
		// Only reachable while a concurrent receiver races the drain;
		// the payload counts as skipped either way.
		s.skipped++
	}
}

// C exposes the receive buffer for select-based merging. Callers that
// read from C directly should check Lag alongside each receive to
// notice gaps.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

// Lag returns the number of messages skipped since the last call and
// resets the counter, so every gap is reported exactly once.
func (s *Subscriber) Lag() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.skipped
	s.skipped = 0
	return n
}

// Recv blocks for the next payload. A gap is surfaced once as *LagError
// before delivery resumes from the oldest retained message.
func (s *Subscriber) Recv(ctx context.Context) ([]byte, error) {
	if n := s.Lag(); n > 0 {
		return nil, &LagError{Skipped: n}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-s.ch:
		return p, nil
	}
}

// Close removes the subscriber from the hub. Pending messages are
// discarded. Close is idempotent.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
}
