// Package ws implements the WebSocket fan-out layer (§4.F): one Connection per socket backed by
// a single writer goroutine, a Registry implementing pkg/interfaces.Broadcaster, and a Handler
// that performs the upgrade, admission check, and inbound message dispatch. Grounded on the
// upstream pack's connection/writeLoop shape, generalized from user/role/session identity to
// room/clientId/token identity and adapted to terminate rather than block on a full outbound
// buffer, per this component's explicit backpressure contract.
package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	writeBuffer  = 100
)

// Connection wraps one upgraded WebSocket and implements pkg/interfaces.Connection.
type Connection struct {
	conn    *websocket.Conn
	writeCh chan []byte

	roomID      string
	clientID    string
	token       string
	externalID  string
	displayName string

	pingMs int64 // atomic

	mu     sync.Mutex
	ponged bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps conn and starts its writer goroutine. displayName is empty for anonymous,
// token-less connections.
func NewConnection(conn *websocket.Conn, roomID, clientID, token, externalID, displayName string) *Connection {
	c := &Connection{
		conn:        conn,
		writeCh:     make(chan []byte, writeBuffer),
		roomID:      roomID,
		clientID:    clientID,
		token:       token,
		externalID:  externalID,
		displayName: displayName,
		ponged:      true,
		closed:      make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data, ok := <-c.writeCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// WriteJSON marshals v and enqueues it for the writer goroutine. A full outbound buffer means
// this socket's consumer has fallen behind; rather than block the caller (the room's broadcaster)
// the connection terminates itself (§4.F).
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.writeCh <- data:
		return nil
	case <-c.closed:
		return errClosed
	default:
		_ = c.Close()
		return errWriteBufferFull
	}
}

// Close closes the underlying socket and is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// closeWithCode sends a close control frame carrying code/reason before closing, used when the
// server (not the client) initiates the close — e.g. session finalization (§3, §4.F).
func (c *Connection) closeWithCode(code int, reason string) {
	closeMsg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeTimeout))
	_ = c.Close()
}

func (c *Connection) ClientID() string   { return c.clientID }
func (c *Connection) RoomID() string     { return c.roomID }
func (c *Connection) Token() string      { return c.token }
func (c *Connection) ExternalID() string { return c.externalID }
func (c *Connection) DisplayName() string { return c.displayName }

// MarkPonged records that a pong arrived since the last heartbeat round.
func (c *Connection) MarkPonged() {
	c.mu.Lock()
	c.ponged = true
	c.mu.Unlock()
}

// checkAndResetPonged reports whether a pong arrived since the previous heartbeat round, then
// clears the flag so the next round starts fresh (§4.F, §5).
func (c *Connection) checkAndResetPonged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.ponged
	c.ponged = false
	return p
}

// SetPingMs records the client-reported round-trip latency from an update-metrics message.
func (c *Connection) SetPingMs(ms int64) { atomic.StoreInt64(&c.pingMs, ms) }

// PingMs returns the last latency reported via update-metrics.
func (c *Connection) PingMs() int64 { return atomic.LoadInt64(&c.pingMs) }

func (c *Connection) underlying() *websocket.Conn { return c.conn }
