package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidRoomID(t *testing.T) {
	valid := []string{"global", "project:p1", "user:u_1", "team:A-b", "public:lobby", "global:announcements"}
	for _, id := range valid {
		assert.True(t, protocol.ValidRoomID(id), id)
	}

	invalid := []string{
		"", "project", "project:", "project:p 1", "project:p1/..", "room:x",
		"globalx", "Global", "public:<script>", "user:" + strings.Repeat("a", 200),
	}
	for _, id := range invalid {
		assert.False(t, protocol.ValidRoomID(id), id)
	}
}

func TestParseClientFrame_Accepts(t *testing.T) {
	frame, perr := protocol.ParseClientFrame([]byte(`{"action":"subscribe","room":"project:p1","extra":1}`), 1024)
	require.Nil(t, perr)
	assert.Equal(t, protocol.ActionSubscribe, frame.Action)
	assert.Equal(t, "project:p1", frame.Room)

	frame, perr = protocol.ParseClientFrame([]byte(`{"action":"ping"}`), 1024)
	require.Nil(t, perr)
	assert.Equal(t, protocol.ActionPing, frame.Action)
	assert.Empty(t, frame.Room)

	frame, perr = protocol.ParseClientFrame([]byte(`{"action":"list_subscriptions"}`), 0)
	require.Nil(t, perr)
	assert.Equal(t, protocol.ActionListSubscriptions, frame.Action)
}

func TestParseClientFrame_Rejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int64
		code protocol.Code
	}{
		{"oversized", `{"action":"ping","pad":"` + strings.Repeat("x", 100) + `"}`, 32, protocol.CodeFrameTooLarge},
		{"not json", `{"action":`, 1024, protocol.CodeInvalidFrame},
		{"array", `["ping"]`, 1024, protocol.CodeInvalidFrame},
		{"missing action", `{"room":"global"}`, 1024, protocol.CodeInvalidFrame},
		{"numeric action", `{"action":7}`, 1024, protocol.CodeInvalidFrame},
		{"unknown action", `{"action":"publish","room":"global"}`, 1024, protocol.CodeUnknownAction},
		{"missing room", `{"action":"subscribe"}`, 1024, protocol.CodeInvalidFrame},
		{"bad room", `{"action":"unsubscribe","room":"project:../etc"}`, 1024, protocol.CodeInvalidRoom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, perr := protocol.ParseClientFrame([]byte(tc.in), tc.max)
			assert.Nil(t, frame)
			require.NotNil(t, perr)
			assert.Equal(t, tc.code, perr.Code)
		})
	}
}

func TestErrorFrame_NeverLeaksDetail(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	data, err := protocol.Encode(protocol.NewError(protocol.CodeInternal, now))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"INTERNAL_ERROR","message":"internal error","timestamp":1700000000000}`, string(data))

	assert.Equal(t, protocol.CodeInternal.Message(), protocol.Code("SOMETHING_NEW").Message())
	assert.Equal(t, "INVALID_ROOM: x", (&protocol.Error{Code: protocol.CodeInvalidRoom, Detail: "x"}).Error())
}

func TestServerFrames_Shape(t *testing.T) {
	data, err := protocol.Encode(protocol.Subscribed("project:p1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribed","data":{"room":"project:p1"}}`, string(data))

	data, err = protocol.Encode(protocol.Connected("c1", "u1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","data":{"connectionId":"c1","userId":"u1"}}`, string(data))

	data, err = protocol.Encode(protocol.Subscriptions(nil))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []any{}, decoded["data"].(map[string]any)["rooms"])
}
