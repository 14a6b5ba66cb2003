package interfaces

// Connection is the abstraction internal/ws's Connection implements; internal/room, internal/sync,
// and internal/rating reach sockets only through Broadcaster below, so the fan-out and broadcast
// logic never imports gorilla/websocket directly (§9 "Coroutine/async" / clean component boundaries).
type Connection interface {
	// WriteJSON sends a JSON message to the client. Implementations must be safe for concurrent
	// callers by funneling writes through a single writer goroutine (§4.F).
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its resources. Safe to call more than once.
	Close() error

	// ClientID returns the caller-supplied client identifier from the upgrade query string.
	ClientID() string

	// RoomID returns the room this connection is scoped to.
	RoomID() string

	// Token returns the membership token presented at upgrade time, or "" for token-less rooms.
	Token() string

	// ExternalID returns the member's external (bot-issued) identity, or "" if unauthenticated.
	ExternalID() string

	// MarkPonged records that a pong was received since the last heartbeat round (§4.F, §5).
	MarkPonged()
}

// Broadcaster is the narrow surface internal/room and internal/sync use to reach live sockets for
// a room without depending on the ws package's registry directly.
type Broadcaster interface {
	// Broadcast sends v as JSON to every connection currently registered for roomID.
	Broadcast(roomID string, v interface{})

	// Send sends v as JSON to a single connection, identified by clientID within roomID.
	Send(roomID, clientID string, v interface{}) error

	// CountConnections returns the number of live connections for roomID.
	CountConnections(roomID string) int
}
