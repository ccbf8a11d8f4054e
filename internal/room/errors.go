package room

import "errors"

var (
	// ErrJoinDenied means the authorization service refused the join. A
	// denial never creates the room.
	ErrJoinDenied = errors.New("access denied")

	// ErrRoomNotFound covers operations on rooms the connection never
	// joined. It is a caller bug, surfaced synchronously.
	ErrRoomNotFound = errors.New("room not found")

	// ErrBadPayload means the message data did not decode for its kind.
	ErrBadPayload = errors.New("bad payload")

	// ErrUnknownType means the message type has no handler in this room.
	ErrUnknownType = errors.New("unknown message type")
)
