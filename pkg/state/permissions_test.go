package state_test

import (
	"errors"
	"testing"
	"time"

	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/a-essam23/go-fanout/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoomID(t *testing.T) {
	kind, entity, err := state.ParseRoomID("project:p1")
	require.NoError(t, err)
	assert.Equal(t, state.KindProject, kind)
	assert.Equal(t, "p1", entity)

	kind, entity, err = state.ParseRoomID("global")
	require.NoError(t, err)
	assert.Equal(t, state.KindGlobal, kind)
	assert.Empty(t, entity)

	_, _, err = state.ParseRoomID("chat:x")
	assert.ErrorIs(t, err, state.ErrInvalidRoom)
}

func TestPolicy_Authorize(t *testing.T) {
	member := auth.NewAuthContext("u1", "", nil, []string{"p1"}, []string{"t1"}, time.Now().Add(time.Hour))
	admin := auth.NewAuthContext("root", "", []string{"admin"}, nil, nil, time.Now().Add(time.Hour))
	policy := state.Policy{ElevatedRoles: []string{"admin"}, Team: state.TeamMembership}

	cases := []struct {
		name string
		ac   *auth.AuthContext
		room string
		want error
	}{
		{"project member", member, "project:p1", nil},
		{"project outsider", member, "project:p2", state.ErrUnauthorized},
		{"own user room", member, "user:u1", nil},
		{"someone else's user room", member, "user:u2", state.ErrUnauthorized},
		{"team member", member, "team:t1", nil},
		{"team outsider", member, "team:t2", state.ErrUnauthorized},
		{"global needs elevation", member, "global", state.ErrUnauthorized},
		{"public needs elevation", member, "public:lobby", state.ErrUnauthorized},
		{"admin global", admin, "global", nil},
		{"admin public", admin, "public:lobby", nil},
		{"admin is not a project member", admin, "project:p1", state.ErrUnauthorized},
		{"malformed", member, "project:", state.ErrInvalidRoom},
		{"no identity", nil, "user:u1", state.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Authorize(tc.ac, tc.room)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestPolicy_TeamModes(t *testing.T) {
	ac := auth.NewAuthContext("u1", "", nil, nil, nil, time.Now().Add(time.Hour))

	assert.NoError(t, state.Policy{Team: state.TeamAllow}.Authorize(ac, "team:any"))
	assert.ErrorIs(t, state.Policy{Team: state.TeamDeny}.Authorize(ac, "team:any"), state.ErrUnauthorized)
	assert.ErrorIs(t, state.Policy{Team: state.TeamMembership}.Authorize(ac, "team:any"), state.ErrUnauthorized)
}
