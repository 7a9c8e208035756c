package router_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-fanout/internal/router"
	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/a-essam23/go-fanout/pkg/logging"
	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/ratelimit"
	"github.com/a-essam23/go-fanout/pkg/state"
	"github.com/a-essam23/go-fanout/pkg/state/statemanager"
	"github.com/a-essam23/go-fanout/pkg/state/statetest"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fixture struct {
	router    *router.EventRouter
	registry  *router.Registry
	manager   *statemanager.InMemoryManager
	clock     *clock.Mock
	observer  *metrics.Counting
	conn      *state.Connection
	transport *statetest.Transport
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	logger := logging.Discard()
	clk := clock.NewMock()
	obs := metrics.NewCounting()
	manager := statemanager.NewInMemoryManager(logger, statemanager.Options{
		MaxRoomsPerConn: 3,
		Policy:          state.Policy{ElevatedRoles: []string{"admin"}, Team: state.TeamMembership},
		Observer:        obs,
	})
	registry := router.NewRegistry(logger)
	registry.RegisterCore()
	r := router.NewEventRouter(logger, manager, ratelimit.NewFixedWindow(limit, time.Minute, clk), registry, router.Options{
		MaxFrameBytes: 256,
		Observer:      obs,
		Clock:         clk,
	})

	tr := statetest.NewTransport()
	ac := auth.NewAuthContext("u1", "", nil, []string{"p1", "p2", "p3", "p4"}, nil, clk.Now().Add(time.Hour))
	conn := state.NewConnection(uuid.New(), ac, "10.0.0.1", tr, clk.Now())
	require.NoError(t, manager.Register(conn))

	return &fixture{router: r, registry: registry, manager: manager, clock: clk, observer: obs, conn: conn, transport: tr}
}

// send handles a frame and returns the single reply it produced.
func (f *fixture) send(t *testing.T, frame string) gjson.Result {
	t.Helper()
	before := len(f.transport.Sent())
	f.router.HandleMessage(context.Background(), f.conn.ID, []byte(frame))
	sent := f.transport.Sent()
	require.Len(t, sent, before+1, "expected exactly one reply to %s", frame)
	return gjson.ParseBytes(sent[len(sent)-1])
}

// --- Actions ---

func TestHandleMessage_SubscribeUnsubscribe(t *testing.T) {
	f := newFixture(t, 100)

	reply := f.send(t, `{"action":"subscribe","room":"project:p1"}`)
	assert.JSONEq(t, `{"type":"subscribed","data":{"room":"project:p1"}}`, reply.Raw)
	assert.Equal(t, []string{"project:p1"}, f.manager.Rooms(f.conn.ID))

	reply = f.send(t, `{"action":"list_subscriptions"}`)
	assert.Equal(t, "subscriptions", reply.Get("type").String())
	assert.Equal(t, `["project:p1"]`, reply.Get("data.rooms").Raw)

	reply = f.send(t, `{"action":"unsubscribe","room":"project:p1"}`)
	assert.JSONEq(t, `{"type":"unsubscribed","data":{"room":"project:p1"}}`, reply.Raw)
	assert.Empty(t, f.manager.Rooms(f.conn.ID))

	reply = f.send(t, `{"action":"unsubscribe","room":"project:p1"}`)
	assert.Equal(t, "NOT_SUBSCRIBED", reply.Get("code").String())
}

func TestHandleMessage_Ping(t *testing.T) {
	f := newFixture(t, 100)
	reply := f.send(t, `{"action":"ping"}`)
	assert.Equal(t, "pong", reply.Get("type").String())
	assert.Equal(t, f.clock.Now().UnixMilli(), reply.Get("data.timestamp").Int())
}

func TestHandleMessage_UnauthorizedLeavesMembershipUnchanged(t *testing.T) {
	f := newFixture(t, 100)
	f.send(t, `{"action":"subscribe","room":"project:p1"}`)

	for _, room := range []string{"project:p9", "user:someone-else", "global", "team:t1"} {
		reply := f.send(t, `{"action":"subscribe","room":"`+room+`"}`)
		assert.Equal(t, "error", reply.Get("type").String())
		assert.Equal(t, "UNAUTHORIZED", reply.Get("code").String(), room)
	}
	assert.Equal(t, []string{"project:p1"}, f.manager.Rooms(f.conn.ID))
}

func TestHandleMessage_RoomLimit(t *testing.T) {
	f := newFixture(t, 100)
	for _, p := range []string{"p1", "p2", "p3"} {
		f.send(t, `{"action":"subscribe","room":"project:`+p+`"}`)
	}
	reply := f.send(t, `{"action":"subscribe","room":"project:p4"}`)
	assert.Equal(t, "ROOM_LIMIT", reply.Get("code").String())
}

// --- Validation ---

func TestHandleMessage_InvalidFramesKeepConnectionOpen(t *testing.T) {
	f := newFixture(t, 100)

	cases := map[string]string{
		`not json`:                             "INVALID_FRAME",
		`[]`:                                   "INVALID_FRAME",
		`{"room":"project:p1"}`:                "INVALID_FRAME",
		`{"action":"dance"}`:                   "UNKNOWN_ACTION",
		`{"action":"subscribe"}`:               "INVALID_FRAME",
		`{"action":"subscribe","room":"x y"}`:  "INVALID_ROOM",
		`{"action":"subscribe","room":"nope"}`: "INVALID_ROOM",
	}
	cases[`{"action":"ping","pad":"`+strings.Repeat("a", 300)+`"}`] = "FRAME_TOO_LARGE"
	for frame, code := range cases {
		reply := f.send(t, frame)
		assert.Equal(t, code, reply.Get("code").String(), frame)
		assert.NotEmpty(t, reply.Get("message").String())
		assert.True(t, reply.Get("timestamp").Exists())
	}

	closed, _, _ := f.transport.Closed()
	assert.False(t, closed)
	assert.Equal(t, int64(len(cases)), f.observer.Count(metrics.FrameRejected))

	// the connection still works afterwards
	assert.Equal(t, "pong", f.send(t, `{"action":"ping"}`).Get("type").String())
}

// --- Rate limiting ---

func TestHandleMessage_RateLimitAndRecovery(t *testing.T) {
	f := newFixture(t, 3)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "pong", f.send(t, `{"action":"ping"}`).Get("type").String())
	}
	reply := f.send(t, `{"action":"ping"}`)
	assert.Equal(t, "RATE_LIMITED", reply.Get("code").String())
	assert.Equal(t, int64(1), f.observer.Count(metrics.RateLimited))

	f.clock.Add(time.Minute)
	assert.Equal(t, "pong", f.send(t, `{"action":"ping"}`).Get("type").String())
}

// --- Activity and failures ---

func TestHandleMessage_TouchesActivity(t *testing.T) {
	f := newFixture(t, 100)
	f.clock.Add(10 * time.Second)
	f.send(t, `garbage`)
	assert.True(t, f.clock.Now().Equal(f.conn.LastActivity()))
	assert.Equal(t, int64(1), f.conn.MessagesProcessed())
}

func TestHandleMessage_PanicBecomesInternalError(t *testing.T) {
	logger := logging.Discard()
	manager := statemanager.NewInMemoryManager(logger, statemanager.Options{})
	registry := router.NewRegistry(logger)
	registry.RegisterAction("ping", func(*router.ActionContext) error { panic("boom") })
	r := router.NewEventRouter(logger, manager, nil, registry, router.Options{})

	tr := statetest.NewTransport()
	conn := state.NewConnection(uuid.New(), auth.NewAuthContext("u", "", nil, nil, nil, time.Now().Add(time.Hour)), "1.1.1.1", tr, time.Now())
	require.NoError(t, manager.Register(conn))

	r.HandleMessage(context.Background(), conn.ID, []byte(`{"action":"ping"}`))
	reply := gjson.ParseBytes(tr.Last())
	assert.Equal(t, "INTERNAL_ERROR", reply.Get("code").String())
	assert.NotContains(t, reply.Raw, "boom")
}

func TestHandleMessage_UnexpectedErrorIsNotLeaked(t *testing.T) {
	logger := logging.Discard()
	manager := statemanager.NewInMemoryManager(logger, statemanager.Options{})
	registry := router.NewRegistry(logger)
	registry.RegisterAction("ping", func(*router.ActionContext) error { return errors.New("db password is hunter2") })
	r := router.NewEventRouter(logger, manager, nil, registry, router.Options{})

	tr := statetest.NewTransport()
	conn := state.NewConnection(uuid.New(), nil, "1.1.1.1", tr, time.Now())
	require.NoError(t, manager.Register(conn))

	r.HandleMessage(context.Background(), conn.ID, []byte(`{"action":"ping"}`))
	reply := gjson.ParseBytes(tr.Last())
	assert.Equal(t, "INTERNAL_ERROR", reply.Get("code").String())
	assert.NotContains(t, reply.Raw, "hunter2")
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	registry := router.NewRegistry(logging.Discard())
	registry.RegisterCore()
	assert.Equal(t, []string{"list_subscriptions", "ping", "subscribe", "unsubscribe"}, registry.Names())
	assert.Panics(t, func() { registry.RegisterCore() })
}
