package interfaces

import "errors"

// Errors returned by the Broadcaster/Connection boundary when a room or connection named by the
// caller is no longer live. Domain-specific taxonomy errors live in pkg/types; these two are
// infrastructure-boundary errors that predate the taxonomy split and are kept narrow on purpose.
var (
	ErrRoomNotRegistered = errors.New("room has no live connections")
	ErrClientNotFound    = errors.New("client not found in room")
)
