package bridge

import (
	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/tidwall/gjson"
)

type fieldRule struct {
	prefix string
	paths  []string
}

// ownership fields looked up in the event document, in order.
var ownershipRules = []fieldRule{
	{prefix: "project:", paths: []string{"projectId", "project_id"}},
	{prefix: "user:", paths: []string{"userId", "user_id", "ownerId", "owner_id", "assigneeId"}},
	{prefix: "team:", paths: []string{"teamId", "team_id"}},
}

// entity types whose own id names a room.
var entityRooms = map[string]string{
	"project": "project:",
	"user":    "user:",
	"team":    "team:",
}

// Mapper resolves which rooms should hear about a change.
type Mapper struct{}

// Rooms returns the de-duplicated, grammar-valid room ids for ev, in a stable
// order.
func (Mapper) Rooms(ev *ChangeEvent) []string {
	var rooms []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] || !protocol.ValidRoomID(id) {
			return
		}
		seen[id] = true
		rooms = append(rooms, id)
	}

	if prefix, ok := entityRooms[ev.EntityType]; ok {
		add(prefix + ev.EntityID)
	}

	doc := ev.document()
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		return rooms
	}
	root := gjson.ParseBytes(doc)
	for _, rule := range ownershipRules {
		for _, path := range rule.paths {
			if v := root.Get(path); v.Exists() && (v.Type == gjson.String || v.Type == gjson.Number) {
				add(rule.prefix + v.String())
			}
		}
	}
	if root.Get("global").Type == gjson.True {
		add("global")
	}
	return rooms
}
