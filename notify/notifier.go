// Package notify fans hive version changes out to in-process subscribers
// such as the placement publishers.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/hive/cell"
)

// defaultSignalBufferSize is the buffer size for signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Kind says what moved the version
type Kind uint8

const (
	// KindMembership is a major version change
	KindMembership Kind = iota + 1
	// KindPlacement is a minor version change
	KindPlacement
)

func (k Kind) String() string {
	switch k {
	case KindMembership:
		return "membership"
	case KindPlacement:
		return "placement"
	default:
		return "unknown"
	}
}

// Signal announces that the hive moved to Version
type Signal struct {
	Kind    Kind
	Version cell.Version
}

// Filter selects which kinds a subscriber receives. Empty means all.
type Filter struct {
	Kinds []Kind
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(kind Kind) bool {
	if len(s.filter.Kinds) == 0 {
		return true
	}

	for _, k := range s.filter.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for version signals.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(kind Kind, version cell.Version) {
	signal := Signal{Kind: kind, Version: version}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(kind) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// Signals are dropped for a subscriber whose buffer is full; since every
// signal carries the full version a subscriber only ever needs the latest.
// The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
