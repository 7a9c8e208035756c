package state

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/google/uuid"
)

// Transport is the socket side of a connection as seen by the registry.
type Transport interface {
	// Send enqueues data for writing, giving up when ctx is done.
	Send(ctx context.Context, data []byte) error
	// Close terminates the socket with a WebSocket close code. Safe to call twice.
	Close(code int, reason string)
	// Ping sends a liveness probe and waits for the reply.
	Ping(ctx context.Context) error
}

// representation of a single authenticated client connection.
type Connection struct {
	ID        uuid.UUID
	Auth      *auth.AuthContext
	IPAddress string
	Transport Transport
	CreatedAt time.Time

	// Rooms this connection belongs to. Owned by the Manager and only
	// touched under its room lock; use Manager.Rooms to read it.
	Rooms map[string]*Room

	lastActivity      atomic.Int64
	messagesProcessed atomic.Int64
}

func NewConnection(id uuid.UUID, ac *auth.AuthContext, ipAddr string, t Transport, now time.Time) *Connection {
	c := &Connection{
		ID:        id,
		Auth:      ac,
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: now,
		Rooms:     make(map[string]*Room),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Connection) UserID() string {
	if c.Auth == nil {
		return ""
	}
	return c.Auth.UserID()
}

// Touch records client activity at now.
func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IncProcessed counts one handled frame and returns the new total.
func (c *Connection) IncProcessed() int64 {
	return c.messagesProcessed.Add(1)
}

func (c *Connection) MessagesProcessed() int64 {
	return c.messagesProcessed.Load()
}

// canonical representation of a broadcast group.
type Room struct {
	ID       string
	Kind     RoomKind
	EntityID string
	Members  map[uuid.UUID]*Connection
}

// Stats is the registry's aggregate view for the health endpoint.
type Stats struct {
	Connections      int   `json:"connections"`
	Rooms            int   `json:"rooms"`
	Addresses        int   `json:"addresses"`
	Memberships      int   `json:"memberships"`
	Deliveries       int64 `json:"deliveries"`
	DeliveryFailures int64 `json:"deliveryFailures"`
}

// BroadcastResult summarizes one fan-out call.
type BroadcastResult struct {
	Recipients int
}
