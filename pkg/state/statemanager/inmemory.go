package statemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/state"
	"github.com/google/uuid"
)

// Options bounds the registry. Zero caps mean unlimited.
type Options struct {
	MaxConnections  int
	MaxPerAddress   int
	MaxRoomsPerConn int
	// SendTimeout bounds each individual delivery.
	SendTimeout time.Duration
	Policy      state.Policy
	Observer    metrics.Observer
}

type InMemoryManager struct {
	conns     map[uuid.UUID]*state.Connection
	addresses map[string]int
	rooms     map[string]*state.Room

	// lock order: connMu before roomMu
	connMu sync.RWMutex
	roomMu sync.RWMutex

	opts     Options
	inflight sync.WaitGroup

	deliveries atomic.Int64
	failures   atomic.Int64

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, opts Options) *InMemoryManager {
	if opts.Observer == nil {
		opts.Observer = metrics.Nop{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	return &InMemoryManager{
		conns:     make(map[uuid.UUID]*state.Connection),
		addresses: make(map[string]int),
		rooms:     make(map[string]*state.Room),
		opts:      opts,
		logger:    logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) Register(conn *state.Connection) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if _, exists := m.conns[conn.ID]; exists {
		return state.ErrAlreadyRegistered
	}
	if m.opts.MaxConnections > 0 && len(m.conns) >= m.opts.MaxConnections {
		return state.ErrCapacity
	}
	if m.opts.MaxPerAddress > 0 && m.addresses[conn.IPAddress] >= m.opts.MaxPerAddress {
		return fmt.Errorf("%w: %s", state.ErrAddressCapacity, conn.IPAddress)
	}
	if conn.Rooms == nil {
		conn.Rooms = make(map[string]*state.Room)
	}

	m.conns[conn.ID] = conn
	m.addresses[conn.IPAddress]++
	m.logger.Debug("Connection registered",
		slog.String("connID", conn.ID.String()),
		slog.String("userID", conn.UserID()),
	)
	return nil
}

func (m *InMemoryManager) Deregister(connID uuid.UUID) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return false
	}
	delete(m.conns, connID)
	if m.addresses[conn.IPAddress] <= 1 {
		delete(m.addresses, conn.IPAddress)
	} else {
		m.addresses[conn.IPAddress]--
	}

	m.roomMu.Lock()
	for roomID, room := range conn.Rooms {
		delete(room.Members, connID)
		if len(room.Members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	left := len(conn.Rooms)
	conn.Rooms = make(map[string]*state.Room)
	m.roomMu.Unlock()

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.Int("roomsLeft", left))
	return true
}

func (m *InMemoryManager) Connection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Connections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- Room & Membership Management ---

func (m *InMemoryManager) Join(connID uuid.UUID, roomID string) error {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	if err := m.opts.Policy.Authorize(conn.Auth, roomID); err != nil {
		m.opts.Observer.Observe(metrics.JoinDenied)
		m.logger.Info("Room join denied",
			slog.String("connID", connID.String()),
			slog.String("userID", conn.UserID()),
			slog.String("roomID", roomID),
			slog.Any("error", err),
		)
		return err
	}
	kind, entity, _ := state.ParseRoomID(roomID)

	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	// If the connection is already in the room there is nothing to do.
	if _, exists := conn.Rooms[roomID]; exists {
		return nil
	}
	if m.opts.MaxRoomsPerConn > 0 && len(conn.Rooms) >= m.opts.MaxRoomsPerConn {
		return state.ErrRoomLimit
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:       roomID,
			Kind:     kind,
			EntityID: entity,
			Members:  make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomID] = room
	}
	room.Members[connID] = conn
	conn.Rooms[roomID] = room

	m.opts.Observer.Observe(metrics.RoomJoined)
	m.logger.Debug("Connection joined room", "connID", connID.String(), "roomID", roomID)
	return nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, roomID string) error {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}

	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	room, ok := conn.Rooms[roomID]
	if !ok {
		return state.ErrNotMember
	}
	delete(conn.Rooms, roomID)
	delete(room.Members, connID)

	// For memory hygiene, remove the room if it's now empty.
	if len(room.Members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", "roomID", roomID)
	}

	m.opts.Observer.Observe(metrics.RoomLeft)
	m.logger.Debug("Connection left room", "connID", connID.String(), "roomID", roomID)
	return nil
}

// Rooms returns the sorted room ids the connection belongs to.
func (m *InMemoryManager) Rooms(connID uuid.UUID) []string {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}

	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	rooms := make([]string, 0, len(conn.Rooms))
	for id := range conn.Rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

func (m *InMemoryManager) Members(roomID string) []*state.Connection {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*state.Connection, 0, len(room.Members))
	for _, c := range room.Members {
		members = append(members, c)
	}
	return members
}

// --- Delivery ---

// Broadcast snapshots the room's members and sends to each in its own
// goroutine. It returns without waiting; use Wait to block until every
// dispatched send has finished.
func (m *InMemoryManager) Broadcast(ctx context.Context, roomID string, data []byte) state.BroadcastResult {
	members := m.Members(roomID)
	for _, conn := range members {
		m.inflight.Add(1)
		go func(conn *state.Connection) {
			defer m.inflight.Done()
			m.send(ctx, conn, data)
		}(conn)
	}
	return state.BroadcastResult{Recipients: len(members)}
}

func (m *InMemoryManager) Deliver(ctx context.Context, connID uuid.UUID, data []byte) bool {
	conn, ok := m.Connection(connID)
	if !ok {
		return false
	}
	return m.send(ctx, conn, data)
}

func (m *InMemoryManager) send(ctx context.Context, conn *state.Connection, data []byte) bool {
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()

	if err := conn.Transport.Send(sendCtx, data); err != nil {
		m.failures.Add(1)
		m.opts.Observer.Observe(metrics.DeliveryFailed)
		m.logger.Warn("Delivery failed",
			slog.String("connID", conn.ID.String()),
			slog.String("userID", conn.UserID()),
			slog.Any("error", err),
		)
		return false
	}
	m.deliveries.Add(1)
	m.opts.Observer.Observe(metrics.MessageDelivered)
	return true
}

// Wait blocks until every send started by Broadcast has returned.
func (m *InMemoryManager) Wait() {
	m.inflight.Wait()
}

// --- Counters ---

func (m *InMemoryManager) ConnectionCount() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

func (m *InMemoryManager) AddressCount(ipAddr string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.addresses[ipAddr]
}

func (m *InMemoryManager) RoomCount() int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return len(m.rooms)
}

func (m *InMemoryManager) Stats() state.Stats {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	memberships := 0
	for _, r := range m.rooms {
		memberships += len(r.Members)
	}
	return state.Stats{
		Connections:      len(m.conns),
		Rooms:            len(m.rooms),
		Addresses:        len(m.addresses),
		Memberships:      memberships,
		Deliveries:       m.deliveries.Load(),
		DeliveryFailures: m.failures.Load(),
	}
}
