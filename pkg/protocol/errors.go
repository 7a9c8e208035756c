package protocol

// Code is a stable, client-visible error identifier.
type Code string

const (
	CodeInvalidFrame  Code = "INVALID_FRAME"
	CodeFrameTooLarge Code = "FRAME_TOO_LARGE"
	CodeUnknownAction Code = "UNKNOWN_ACTION"
	CodeInvalidRoom   Code = "INVALID_ROOM"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeNotSubscribed Code = "NOT_SUBSCRIBED"
	CodeRoomLimit     Code = "ROOM_LIMIT"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeInternal      Code = "INTERNAL_ERROR"
)

var codeMessages = map[Code]string{
	CodeInvalidFrame:  "frame is not valid JSON or is missing required fields",
	CodeFrameTooLarge: "frame exceeds the maximum allowed size",
	CodeUnknownAction: "unsupported action",
	CodeInvalidRoom:   "room id is malformed",
	CodeUnauthorized:  "not authorized for this room",
	CodeNotSubscribed: "not subscribed to this room",
	CodeRoomLimit:     "too many subscriptions on this connection",
	CodeRateLimited:   "rate limit exceeded, slow down",
	CodeInternal:      "internal error",
}

// Message is the fixed human-readable text for a code. Internal details
// never reach clients.
func (c Code) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return codeMessages[CodeInternal]
}

// Error is a validation failure carrying its client-visible code.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}
