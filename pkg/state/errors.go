package state

import "errors"

var (
	ErrCapacity          = errors.New("global connection limit reached")
	ErrAddressCapacity   = errors.New("per-address connection limit reached")
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrInvalidRoom       = errors.New("invalid room id")
	ErrUnauthorized      = errors.New("not authorized for room")
	ErrNotMember         = errors.New("connection is not a member of this room")
	ErrRoomLimit         = errors.New("room limit per connection reached")
)
