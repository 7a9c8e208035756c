// Package protocol defines the JSON frames exchanged with clients and the
// validation applied to every inbound frame.
package protocol

import (
	"encoding/json"
	"time"
)

// Client actions.
const (
	ActionSubscribe         = "subscribe"
	ActionUnsubscribe       = "unsubscribe"
	ActionPing              = "ping"
	ActionListSubscriptions = "list_subscriptions"
)

// Server frame types.
const (
	TypeConnected     = "connected"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypePong          = "pong"
	TypeSubscriptions = "subscriptions"
	TypeEvent         = "event"
	TypeBatch         = "batch"
	TypeError         = "error"
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// ClientFrame is a validated inbound frame.
type ClientFrame struct {
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
}

// ServerFrame is the envelope of every non-error outbound frame.
type ServerFrame struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Room       string `json:"room,omitempty"`
	Data       any    `json:"data,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// ErrorFrame is sent for every recoverable failure.
type ErrorFrame struct {
	Type      string `json:"type"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type RoomData struct {
	Room string `json:"room"`
}

type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

type SubscriptionsData struct {
	Rooms []string `json:"rooms"`
}

type BatchData struct {
	Messages []ServerFrame `json:"messages"`
}

// Encode marshals a server frame. Frames are built from known types, so a
// marshal failure is a programming error surfaced to the caller.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

func Connected(connID, userID string) ServerFrame {
	return ServerFrame{Type: TypeConnected, Data: ConnectedData{ConnectionID: connID, UserID: userID}}
}

func Subscribed(room string) ServerFrame {
	return ServerFrame{Type: TypeSubscribed, Data: RoomData{Room: room}}
}

func Unsubscribed(room string) ServerFrame {
	return ServerFrame{Type: TypeUnsubscribed, Data: RoomData{Room: room}}
}

func Pong(now time.Time) ServerFrame {
	return ServerFrame{Type: TypePong, Data: PongData{Timestamp: now.UnixMilli()}}
}

func Subscriptions(rooms []string) ServerFrame {
	if rooms == nil {
		rooms = []string{}
	}
	return ServerFrame{Type: TypeSubscriptions, Data: SubscriptionsData{Rooms: rooms}}
}

// Batch wraps frames flushed together for one connection.
func Batch(frames []ServerFrame, now time.Time) ServerFrame {
	return ServerFrame{Type: TypeBatch, Data: BatchData{Messages: frames}, Timestamp: now.UnixMilli()}
}

func NewError(code Code, now time.Time) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: code.Message(), Timestamp: now.UnixMilli()}
}
