// Package metrics defines the closed set of gateway events and the observers
// that record them.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Event enumerates everything the gateway reports. The set is closed: new
// events are added here, never invented at call sites.
type Event int

const (
	ConnectionOpened Event = iota
	ConnectionClosed
	ConnectionRejected
	RoomJoined
	RoomLeft
	JoinDenied
	FrameRejected
	RateLimited
	MessageDelivered
	DeliveryFailed
	MessageSuppressed
	BatchFlushed
	MessageCompressed
	ConnectionReaped
	ProbeFailed
	UpstreamReceived
	UpstreamInvalid

	eventCount
)

var eventNames = [eventCount]string{
	ConnectionOpened:   "connection_opened",
	ConnectionClosed:   "connection_closed",
	ConnectionRejected: "connection_rejected",
	RoomJoined:         "room_joined",
	RoomLeft:           "room_left",
	JoinDenied:         "join_denied",
	FrameRejected:      "frame_rejected",
	RateLimited:        "rate_limited",
	MessageDelivered:   "message_delivered",
	DeliveryFailed:     "delivery_failed",
	MessageSuppressed:  "message_suppressed",
	BatchFlushed:       "batch_flushed",
	MessageCompressed:  "message_compressed",
	ConnectionReaped:   "connection_reaped",
	ProbeFailed:        "probe_failed",
	UpstreamReceived:   "upstream_received",
	UpstreamInvalid:    "upstream_invalid",
}

func (e Event) String() string {
	if e < 0 || e >= eventCount {
		return "unknown"
	}
	return eventNames[e]
}

// Events returns every defined event in declaration order.
func Events() []Event {
	out := make([]Event, 0, eventCount)
	for e := Event(0); e < eventCount; e++ {
		out = append(out, e)
	}
	return out
}

// Observer receives gateway events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	Observe(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Observe(Event) {}

// Counting keeps in-memory totals per event. It backs the health endpoint
// and is convenient in tests.
type Counting struct {
	counts [eventCount]atomic.Int64
}

func NewCounting() *Counting { return &Counting{} }

func (c *Counting) Observe(e Event) {
	if e < 0 || e >= eventCount {
		return
	}
	c.counts[e].Add(1)
}

// Count returns the number of times e was observed.
func (c *Counting) Count(e Event) int64 {
	if e < 0 || e >= eventCount {
		return 0
	}
	return c.counts[e].Load()
}

// Snapshot returns the non-zero totals keyed by event name.
func (c *Counting) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for e := Event(0); e < eventCount; e++ {
		if n := c.counts[e].Load(); n > 0 {
			out[e.String()] = n
		}
	}
	return out
}

// Multi fans an event out to several observers.
type Multi struct {
	mu        sync.RWMutex
	observers []Observer
}

func NewMulti(observers ...Observer) *Multi {
	return &Multi{observers: observers}
}

func (m *Multi) Add(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Multi) Observe(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.observers {
		o.Observe(e)
	}
}
