package optimizer

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// bypassesBatching reports whether messages of p are sent immediately.
func (p Priority) bypassesBatching() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// OutboundMessage is a server-to-client payload on its way through the
// optimizer. It is treated as immutable once handed to Optimize; the
// optimizer returns copies when it needs to change it.
type OutboundMessage struct {
	ID         string
	Type       string
	Room       string
	Payload    json.RawMessage
	Priority   Priority
	CreatedAt  time.Time
	Compressed bool
	Encoding   string

	hash uint64
}

// NewMessage builds a message with a fresh id and a precomputed content hash.
func NewMessage(typ, room string, payload json.RawMessage, priority Priority, now time.Time) *OutboundMessage {
	if priority == "" {
		priority = PriorityNormal
	}
	m := &OutboundMessage{
		ID:        uuid.NewString(),
		Type:      typ,
		Room:      room,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
	}
	m.hash = contentHash(typ, payload)
	return m
}

// ContentHash identifies the message by type and payload. The id and
// creation time are excluded.
func (m *OutboundMessage) ContentHash() uint64 {
	if m.hash != 0 {
		return m.hash
	}
	return contentHash(m.Type, m.Payload)
}

func contentHash(typ string, payload json.RawMessage) uint64 {
	h := murmur3.New64()
	_, _ = h.Write([]byte(typ))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical(payload))
	return h.Sum64()
}

// canonical re-encodes JSON so that key order and whitespace do not change
// the hash. Payloads that are not JSON are hashed as-is.
func canonical(payload json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	out, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return out
}
