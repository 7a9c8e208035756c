package state

import (
	"context"

	"github.com/google/uuid"
)

// Manager owns every live connection and room. It is the only holder of
// Connection references across calls.
type Manager interface {
	// --- Connection Lifecycle ---
	Register(conn *Connection) error
	// Deregister removes the connection from every room. It reports whether
	// anything was removed; calling it twice is a no-op.
	Deregister(connID uuid.UUID) bool
	Connection(connID uuid.UUID) (*Connection, bool)
	Connections() []*Connection

	// --- Room & Membership Management ---
	// Join authorizes and adds the connection to a room, creating it if absent.
	Join(connID uuid.UUID, roomID string) error
	// Leave removes membership and deletes the room once empty.
	Leave(connID uuid.UUID, roomID string) error
	Rooms(connID uuid.UUID) []string
	Members(roomID string) []*Connection

	// Broadcast dispatches data to every current member independently.
	Broadcast(ctx context.Context, roomID string, data []byte) BroadcastResult
	// Deliver sends data to a single connection with the same semantics as a
	// broadcast to one member.
	Deliver(ctx context.Context, connID uuid.UUID, data []byte) bool

	// --- Counters ---
	ConnectionCount() int
	AddressCount(ipAddr string) int
	RoomCount() int
	Stats() Stats
}
