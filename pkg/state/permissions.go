package state

import (
	"fmt"
	"strings"

	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/a-essam23/go-fanout/pkg/protocol"
)

// RoomKind is the typed prefix of a room id.
type RoomKind string

const (
	KindProject RoomKind = "project"
	KindUser    RoomKind = "user"
	KindTeam    RoomKind = "team"
	KindGlobal  RoomKind = "global"
	KindPublic  RoomKind = "public"
)

// ParseRoomID splits a grammar-valid id into kind and entity id. The literal
// "global" has an empty entity id.
func ParseRoomID(id string) (RoomKind, string, error) {
	if !protocol.ValidRoomID(id) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, id)
	}
	if id == string(KindGlobal) {
		return KindGlobal, "", nil
	}
	kind, entity, _ := strings.Cut(id, ":")
	return RoomKind(kind), entity, nil
}

// TeamPolicy decides how team rooms are authorized.
type TeamPolicy string

const (
	// TeamMembership requires the team id in the token's teams claim.
	TeamMembership TeamPolicy = "membership"
	// TeamAllow admits any authenticated connection.
	TeamAllow TeamPolicy = "allow"
	// TeamDeny blocks team rooms entirely.
	TeamDeny TeamPolicy = "deny"
)

// Policy is the fixed per-kind authorization rule applied at join time.
type Policy struct {
	ElevatedRoles []string
	Team          TeamPolicy
}

// Authorize returns nil if ac may join roomID, ErrInvalidRoom for malformed
// ids, and ErrUnauthorized otherwise.
func (p Policy) Authorize(ac *auth.AuthContext, roomID string) error {
	kind, entity, err := ParseRoomID(roomID)
	if err != nil {
		return err
	}
	if ac == nil {
		return ErrUnauthorized
	}

	allowed := false
	switch kind {
	case KindProject:
		allowed = ac.IsMember(entity)
	case KindUser:
		allowed = entity == ac.UserID()
	case KindTeam:
		switch p.Team {
		case TeamAllow:
			allowed = true
		case TeamDeny:
			allowed = false
		default:
			allowed = ac.IsTeamMember(entity)
		}
	case KindGlobal, KindPublic:
		allowed = ac.HasAnyRole(p.ElevatedRoles...)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrUnauthorized, roomID)
	}
	return nil
}
