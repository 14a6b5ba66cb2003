package ws

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"watchparty/internal/admission"
	"watchparty/internal/metrics"
	"watchparty/internal/rating"
	"watchparty/internal/room"
	"watchparty/internal/status"
	"watchparty/internal/sync"
	"watchparty/internal/upload"
	"watchparty/internal/wplog"
	"watchparty/pkg/types"
)

const (
	readDeadline      = 60 * time.Second
	heartbeatInterval = 30 * time.Second
	pingWriteTimeout  = 10 * time.Second

	// closeRoomFull is the application-level close code sent when admission rejects a connection,
	// distinct from the protocol-level codes gorilla/websocket reserves below 4000 (§4.F, §4.H).
	closeRoomFull = 4003
)

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades HTTP connections to WebSocket, runs the admission check, and dispatches
// inbound messages to the sync, rating, and status components (§4.F).
type Handler struct {
	registry   *Registry
	rooms      *room.Registry
	uploads    *upload.Engine
	syncEngine *sync.Engine
	ratings    *rating.Collector
	log        zerolog.Logger
}

// NewHandler constructs a Handler wired to the process's room/upload/sync/rating components.
func NewHandler(registry *Registry, rooms *room.Registry, uploads *upload.Engine, syncEngine *sync.Engine, ratings *rating.Collector) *Handler {
	return &Handler{
		registry:   registry,
		rooms:      rooms,
		uploads:    uploads,
		syncEngine: syncEngine,
		ratings:    ratings,
		log:        wplog.WithComponent("ws"),
	}
}

// HandleWebSocket implements GET /ws?room=...&clientId=...&token=... (§4.F, §6).
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	clientID := r.URL.Query().Get("clientId")
	token := r.URL.Query().Get("token")

	if roomID == "" || clientID == "" {
		http.Error(w, "room and clientId are required", http.StatusBadRequest)
		return
	}

	actor, err := h.rooms.Get(roomID)
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	var (
		discordBound bool
		externalID   string
		displayName  string
		fileSize     int64
		hasFile      bool
	)
	actor.Do(func(rm *types.Room) {
		discordBound = rm.IsDiscordBound()
		if m, ok := rm.Members[token]; ok {
			externalID = m.ExternalID
			displayName = m.DisplayName
		}
		if rm.State.VideoPath != "" {
			if info, statErr := os.Stat(rm.State.VideoPath); statErr == nil {
				fileSize = info.Size()
				hasFile = true
			}
		}
	})

	if discordBound && (token == "" || externalID == "") {
		http.Error(w, "invalid or missing token", http.StatusForbidden)
		return
	}

	if !admission.CheckRoomCapacity(h.registry.CountConnections(roomID), fileSize, hasFile) {
		metrics.AdmissionDeniedTotal.WithLabelValues("capacity").Inc()
		h.rejectWithCloseCode(w, r, closeRoomFull, "room full or bandwidth limit exceeded")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, roomID, clientID, token, externalID, displayName)
	h.registry.Register(wsConn)

	if token != "" {
		room.MarkConnected(actor, token, true)
	}
	h.rooms.NoteClientCount(roomID, h.registry.CountConnections(roomID))

	h.sendInitialFrames(actor, wsConn, token)

	go h.readLoop(actor, wsConn)
	go h.heartbeatLoop(wsConn)
}

func (h *Handler) rejectWithCloseCode(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	closeMsg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (h *Handler) sendInitialFrames(actor *room.Actor, conn *Connection, token string) {
	_ = conn.WriteJSON(sync.PersonalSyncFrame(actor))

	if token != "" && room.IsHostByToken(actor, token) {
		var frame map[string]interface{}
		actor.Do(func(rm *types.Room) {
			switch {
			case rm.State.IsUploading:
				frame = map[string]interface{}{"type": types.MsgUploadProgress, "progress": rm.State.UploadProgress}
			case rm.State.IsProcessing:
				frame = map[string]interface{}{"type": types.MsgProcessingProgress, "message": rm.State.ProcessingMessage}
			}
		})
		if frame != nil {
			_ = conn.WriteJSON(frame)
		}
	}

	var proj types.SessionStatus
	actor.Do(func(rm *types.Room) { proj = status.Project(rm) })
	_ = conn.WriteJSON(statusFrame(proj))
}

func statusFrame(proj types.SessionStatus) map[string]interface{} {
	return map[string]interface{}{
		"type":        types.MsgSessionStatus,
		"status":      proj.Status,
		"viewerCount": proj.ViewerCount,
		"viewers":     proj.Viewers,
		"ratings":     proj.Ratings,
		"average":     proj.Average,
		"allRated":    proj.AllRated,
		"movieInfo":   proj.MovieInfo,
		"movieName":   proj.MovieName,
	}
}

func (h *Handler) readLoop(actor *room.Actor, conn *Connection) {
	defer func() {
		h.registry.Unregister(conn)
		if conn.Token() != "" && !h.registry.HasToken(conn.RoomID(), conn.Token()) {
			room.MarkConnected(actor, conn.Token(), false)
		}
		h.rooms.NoteClientCount(conn.RoomID(), h.registry.CountConnections(conn.RoomID()))
		_ = conn.Close()
	}()

	ws := conn.underlying()
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		conn.MarkPonged()
		_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(actor, conn, data)
	}
}

type envelope struct {
	Type string `json:"type"`
}

func (h *Handler) dispatch(actor *room.Actor, conn *Connection, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case types.MsgPing:
		var msg struct {
			Timestamp int64 `json:"timestamp"`
		}
		if json.Unmarshal(data, &msg) == nil {
			_ = conn.WriteJSON(map[string]interface{}{
				"type":       types.MsgPong,
				"timestamp":  msg.Timestamp,
				"serverTime": time.Now().UnixMilli(),
			})
		}

	case types.MsgPlay, types.MsgPause, types.MsgSeek:
		var cmd types.HostCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		if err := h.syncEngine.ApplyHostCommand(actor, conn.Token(), &cmd); err != nil {
			h.log.Warn().Err(err).Str("room", conn.RoomID()).Msg("host command rejected")
		}

	case types.MsgState:
		_ = conn.WriteJSON(sync.PersonalSyncFrame(actor))

	case types.MsgHostHeartbeat:
		if room.IsHostByToken(actor, conn.Token()) {
			room.RecordHostHeartbeat(actor)
		}

	case types.MsgUpdateMetrics:
		var msg struct {
			Metrics struct {
				LastPing int64 `json:"lastPing"`
			} `json:"metrics"`
		}
		if json.Unmarshal(data, &msg) == nil {
			conn.SetPingMs(msg.Metrics.LastPing)
			if conn.Token() != "" {
				actor.Do(func(rm *types.Room) {
					if m, ok := rm.Members[conn.Token()]; ok {
						m.LastPingMs = msg.Metrics.LastPing
					}
				})
			}
		}

	case types.MsgSessionStatus:
		var proj types.SessionStatus
		actor.Do(func(rm *types.Room) { proj = status.Project(rm) })
		_ = conn.WriteJSON(statusFrame(proj))
	}
}

// heartbeatLoop pings conn every 30s and terminates it if no pong arrived since the previous
// round (§4.F, §5).
func (h *Handler) heartbeatLoop(conn *Connection) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !conn.checkAndResetPonged() {
				_ = conn.Close()
				return
			}
			if err := conn.underlying().WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
				return
			}
		case <-conn.closed:
			return
		}
	}
}
