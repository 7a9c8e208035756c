package protocol

import (
	"regexp"

	"github.com/tidwall/gjson"
)

var roomPattern = regexp.MustCompile(`^(?:(?:project|user|team|global|public):[A-Za-z0-9_-]+|global)$`)

// MaxRoomIDLength bounds room ids independently of the frame size limit.
const MaxRoomIDLength = 128

// ValidRoomID reports whether id matches the room grammar.
func ValidRoomID(id string) bool {
	return len(id) <= MaxRoomIDLength && roomPattern.MatchString(id)
}

var knownActions = map[string]bool{
	ActionSubscribe:         true,
	ActionUnsubscribe:       true,
	ActionPing:              true,
	ActionListSubscriptions: true,
}

// ParseClientFrame checks size, JSON shape, action and room grammar, in that
// order. Unknown extra fields are ignored.
func ParseClientFrame(data []byte, maxSize int64) (*ClientFrame, *Error) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, &Error{Code: CodeFrameTooLarge}
	}
	if !gjson.ValidBytes(data) {
		return nil, &Error{Code: CodeInvalidFrame, Detail: "malformed json"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &Error{Code: CodeInvalidFrame, Detail: "frame must be an object"}
	}

	action := root.Get("action")
	if action.Type != gjson.String || action.Str == "" {
		return nil, &Error{Code: CodeInvalidFrame, Detail: "missing action"}
	}
	if !knownActions[action.Str] {
		return nil, &Error{Code: CodeUnknownAction, Detail: action.Str}
	}

	frame := &ClientFrame{Action: action.Str}
	switch frame.Action {
	case ActionSubscribe, ActionUnsubscribe:
		room := root.Get("room")
		if room.Type != gjson.String {
			return nil, &Error{Code: CodeInvalidFrame, Detail: "missing room"}
		}
		if !ValidRoomID(room.Str) {
			return nil, &Error{Code: CodeInvalidRoom, Detail: room.Str}
		}
		frame.Room = room.Str
	}
	return frame, nil
}
