package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"watchparty/internal/metrics"
	"watchparty/internal/wplog"
	"watchparty/pkg/interfaces"
	"watchparty/pkg/types"
)

const viewerDebounce = 500 * time.Millisecond

// Registry is the process-wide live-socket map (§4.F): roomID -> clientID -> Connection. It
// implements pkg/interfaces.Broadcaster and never mutates room state directly.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Connection

	viewerMu       sync.Mutex
	viewerTimers   map[string]*time.Timer

	log zerolog.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:        make(map[string]map[string]*Connection),
		viewerTimers: make(map[string]*time.Timer),
		log:          wplog.WithComponent("ws"),
	}
}

var _ interfaces.Broadcaster = (*Registry)(nil)

// Register adds c to its room's connection map and schedules a debounced viewers broadcast.
func (reg *Registry) Register(c *Connection) {
	reg.mu.Lock()
	m, ok := reg.rooms[c.roomID]
	if !ok {
		m = make(map[string]*Connection)
		reg.rooms[c.roomID] = m
	}
	m[c.clientID] = c
	reg.mu.Unlock()

	metrics.WSConnections.Inc()
	reg.scheduleViewersBroadcast(c.roomID)
}

// Unregister removes c from its room's connection map, if it is still the registered connection
// for that clientID (a newer connection for the same client may have already replaced it).
func (reg *Registry) Unregister(c *Connection) {
	reg.mu.Lock()
	if m, ok := reg.rooms[c.roomID]; ok {
		if existing, ok := m[c.clientID]; ok && existing == c {
			delete(m, c.clientID)
		}
		if len(m) == 0 {
			delete(reg.rooms, c.roomID)
		}
	}
	reg.mu.Unlock()

	metrics.WSConnections.Dec()
	reg.scheduleViewersBroadcast(c.roomID)
}

// scheduleViewersBroadcast debounces the viewers event at 500ms per room, trailing-edge (§4.F).
func (reg *Registry) scheduleViewersBroadcast(roomID string) {
	reg.viewerMu.Lock()
	defer reg.viewerMu.Unlock()

	if reg.viewerTimers[roomID] != nil {
		return
	}
	reg.viewerTimers[roomID] = time.AfterFunc(viewerDebounce, func() {
		reg.viewerMu.Lock()
		delete(reg.viewerTimers, roomID)
		reg.viewerMu.Unlock()
		reg.broadcastViewers(roomID)
	})
}

func (reg *Registry) broadcastViewers(roomID string) {
	reg.mu.RLock()
	conns := reg.rooms[roomID]
	viewers := make([]map[string]interface{}, 0, len(conns))
	for _, c := range conns {
		viewers = append(viewers, map[string]interface{}{
			"externalId": c.ExternalID(),
			"username":   c.DisplayName(),
			"ping":       c.PingMs(),
		})
	}
	count := len(conns)
	reg.mu.RUnlock()

	reg.Broadcast(roomID, map[string]interface{}{
		"type":    types.MsgViewers,
		"count":   count,
		"viewers": viewers,
	})
}

// HasToken reports whether any live connection in roomID presents token.
func (reg *Registry) HasToken(roomID, token string) bool {
	if token == "" {
		return false
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, c := range reg.rooms[roomID] {
		if c.Token() == token {
			return true
		}
	}
	return false
}

// Broadcast implements pkg/interfaces.Broadcaster. Every frame is stamped with a fresh
// correlation id so a client or log line can tie one outbound event to one server-side decision
// (a sync tick, a rating upsert, a finalize) without the payload itself naming its own cause.
func (reg *Registry) Broadcast(roomID string, v interface{}) {
	stampEventID(v)

	reg.mu.RLock()
	conns := reg.rooms[roomID]
	list := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		list = append(list, c)
	}
	reg.mu.RUnlock()

	for _, c := range list {
		_ = c.WriteJSON(v)
	}
}

// stampEventID assigns a fresh correlation id to v's "eventId" field when v is a frame map that
// doesn't already carry one. Frames are always built fresh per call site, so there is nothing to
// overwrite in practice; the guard just keeps this idempotent if that ever changes.
func stampEventID(v interface{}) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	if _, present := m["eventId"]; !present {
		m["eventId"] = uuid.NewString()
	}
}

// Send implements pkg/interfaces.Broadcaster.
func (reg *Registry) Send(roomID, clientID string, v interface{}) error {
	stampEventID(v)

	reg.mu.RLock()
	conn, ok := reg.rooms[roomID][clientID]
	reg.mu.RUnlock()
	if !ok {
		return interfaces.ErrClientNotFound
	}
	return conn.WriteJSON(v)
}

// CountConnections implements pkg/interfaces.Broadcaster.
func (reg *Registry) CountConnections(roomID string) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms[roomID])
}

// CloseRoom closes every live connection for roomID with the given close code and reason,
// cascading the WebSocket half of room deletion (§3 "Deletion cascades: close all WebSockets").
func (reg *Registry) CloseRoom(roomID string, code int, reason string) {
	reg.mu.Lock()
	conns := reg.rooms[roomID]
	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(code, reason)
	}
}
