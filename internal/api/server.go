// Package api wires the HTTP route table (§6) to the room, upload, sync, rating, admission, and
// stream components, and maps the taxonomy sentinels in pkg/types/errors.go onto HTTP status
// codes at the boundary. Route table and middleware composition are grounded on the teacher's
// internal/api/server.go; the taxonomy-aware error mapping generalizes its sendError helper.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"watchparty/internal/admission"
	"watchparty/internal/config"
	"watchparty/internal/metrics"
	"watchparty/internal/rating"
	"watchparty/internal/room"
	"watchparty/internal/status"
	"watchparty/internal/stream"
	"watchparty/internal/sync"
	"watchparty/internal/upload"
	"watchparty/internal/wplog"
	"watchparty/internal/ws"
	"watchparty/pkg/types"
)

// maxChunkBodyBytes caps the size of a single upload-chunk request body read into memory. Chunk
// sizes are client-chosen (§4.C); this is a safety ceiling, not the spec's chunking contract.
const maxChunkBodyBytes = 8 * 1024 * 1024

// Server holds every component the route table dispatches into. It is stateless beyond these
// references — all mutable state lives in the components themselves.
type Server struct {
	rooms      *room.Registry
	uploads    *upload.Engine
	syncEngine *sync.Engine
	ratings    *rating.Collector
	streamer   *stream.Handler
	wsHandler  *ws.Handler
	wsRegistry *ws.Registry

	router chi.Router
	log    zerolog.Logger
}

// NewServer constructs the Server and builds its route table.
func NewServer(cfg *config.Config, rooms *room.Registry, uploads *upload.Engine, syncEngine *sync.Engine, ratings *rating.Collector, streamer *stream.Handler, wsHandler *ws.Handler, wsRegistry *ws.Registry) *Server {
	s := &Server{
		rooms:      rooms,
		uploads:    uploads,
		syncEngine: syncEngine,
		ratings:    ratings,
		streamer:   streamer,
		wsHandler:  wsHandler,
		wsRegistry: wsRegistry,
		log:        wplog.WithComponent("api"),
	}
	s.routes(cfg)
	return s
}

// ServeHTTP implements http.Handler by delegating to the chi router built in NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(cfg *config.Config) {
	r := chi.NewRouter()
	r.Use(admission.CORS(cfg.HTTP.AllowedOrigins))
	r.Use(admission.PerIPRateLimit(cfg.Admission.RequestsPerSecond))
	r.Use(s.metricsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/discord-session", s.createDiscordSession)
		r.Post("/session-token/{roomId}", s.createSessionToken)
		r.Get("/validate-token/{roomId}", s.validateToken)
		r.Get("/session-status/{roomId}", s.sessionStatus)
		r.Post("/session-rating/{roomId}", s.submitRating)
		r.Post("/discord-end-session/{roomId}", s.endSession)
		r.Post("/discord-finalize-session/{roomId}", s.finalizeSession)

		r.Post("/upload/init/{roomId}", s.uploadInit)
		r.Post("/upload/chunk/{roomId}/{uploadId}/{chunkIndex}", s.uploadChunk)
		r.Post("/upload/complete/{roomId}/{uploadId}", s.uploadComplete)
		r.Post("/upload/abort/{roomId}/{uploadId}", s.uploadAbort)
		r.Get("/upload/status/{roomId}/{uploadId}", s.uploadStatus)
		r.Post("/upload/subtitle/{roomId}", s.uploadSubtitle)
		r.Get("/upload/subtitle/{roomId}/{filename}", s.downloadSubtitle)
	})

	r.Get("/video/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		s.streamer.ServeVideo(w, r, chi.URLParam(r, "roomId"))
	})
	r.Get("/ws", s.wsHandler.HandleWebSocket)
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
}

// metricsMiddleware records watchparty_http_requests_total by matched route pattern and status
// class, read back from chi's route context after the handler has run (§10).
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(pattern, statusClass(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError maps err onto a taxonomy kind (§7) and writes {error, code} JSON, recovering the
// kind with errors.Is so no package needs to special-case HTTP status codes itself. When err (or
// something it wraps) carries structured fields via types.WithFields, those are merged in too, so
// a caller doesn't have to parse them back out of the error string.
func writeAPIError(w http.ResponseWriter, err error) {
	code, kind := classify(err)
	body := map[string]interface{}{"error": err.Error(), "code": kind}

	var fielded *types.FieldedError
	if errors.As(err, &fielded) {
		for k, v := range fielded.Fields() {
			body[k] = v
		}
	}

	writeJSON(w, code, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "infra"
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", types.ErrValidation, err)
	}
	return nil
}

// authorizeHost extracts token/hostId from the query string and checks host authorization for
// Discord-bound or simple rooms respectively (§4.C). The spec's upload and control endpoints do
// not put an explicit token field in their request tables; by convention with /ws and
// /validate-token it is carried as a query parameter here.
func authorizeHost(actor *room.Actor, r *http.Request) error {
	token := r.URL.Query().Get("token")
	hostID := r.URL.Query().Get("hostId")
	if !room.IsHostAuthorized(actor, token, hostID) {
		return fmt.Errorf("%w: %s", types.ErrForbidden, types.ErrNotHost)
	}
	return nil
}

// requireNotEnded rejects with 403 once a room has transitioned to StatusEnded but before
// finalizeSession has deleted it (§4.C "all require a room that is not ended"), mirroring the
// same gate the sync engine applies to host commands (internal/sync/engine.go).
func requireNotEnded(actor *room.Actor) error {
	var ended bool
	actor.Do(func(rm *types.Room) { ended = rm.Status == types.StatusEnded })
	if ended {
		return fmt.Errorf("%w: %s", types.ErrForbidden, types.ErrSessionEnded)
	}
	return nil
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) (*room.Actor, bool) {
	actor, err := s.rooms.Get(chi.URLParam(r, "roomId"))
	if err != nil {
		writeAPIError(w, err)
		return nil, false
	}
	return actor, true
}

func sessionStatusPayload(proj types.SessionStatus) map[string]interface{} {
	return map[string]interface{}{
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

// createDiscordSession implements POST /api/discord-session.
func (s *Server) createDiscordSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	roomID, hostToken, err := s.rooms.Create(&req)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"roomId":    roomID,
		"hostToken": hostToken,
		"url":       fmt.Sprintf("/room/%s?token=%s", roomID, hostToken),
	})
}

// createSessionToken implements POST /api/session-token/:roomId.
func (s *Server) createSessionToken(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}

	var req struct {
		DiscordID string `json:"discordId"`
		Username  string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.DiscordID == "" {
		writeAPIError(w, fmt.Errorf("%w: discordId is required", types.ErrValidation))
		return
	}

	token, err := room.GenerateUserToken(actor, req.DiscordID, req.Username)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"url":   fmt.Sprintf("/room/%s?token=%s", actor.ID(), token),
	})
}

// validateToken implements GET /api/validate-token/:roomId?token=.
func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		writeAPIError(w, fmt.Errorf("%w: token query parameter is required", types.ErrValidation))
		return
	}

	member, err := room.ValidateToken(actor, token)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"discordId": member.ExternalID,
		"username":  member.DisplayName,
		"isHost":    member.IsHost,
	})
}

// sessionStatus implements GET /api/session-status/:roomId.
func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}

	var proj types.SessionStatus
	actor.Do(func(rm *types.Room) { proj = status.Project(rm) })
	writeJSON(w, http.StatusOK, sessionStatusPayload(proj))
}

// submitRating implements POST /api/session-rating/:roomId.
func (s *Server) submitRating(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}

	var req types.RatingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeAPIError(w, err)
		return
	}

	proj, err := s.ratings.Add(actor, req.Token, req.Rating)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"allRated": proj.AllRated,
		"ratings":  proj.Ratings,
		"average":  proj.Average,
	})
}

// endSession implements POST /api/discord-end-session/:roomId: the host marks the session ended
// and the room transitions to its terminal status, but deletion and cleanup wait for finalize.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if !room.IsHostByToken(actor, req.Token) {
		writeAPIError(w, fmt.Errorf("%w: %s", types.ErrForbidden, types.ErrNotHost))
		return
	}

	actor.Do(func(rm *types.Room) {
		rm.Status = types.StatusEnded
	})

	s.wsRegistry.Broadcast(actor.ID(), map[string]interface{}{"type": types.MsgSessionEnding})

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "ending"})
}

// finalizeSession implements POST /api/discord-finalize-session/:roomId: it closes the session,
// cascades deletion (WebSockets, upload state, sync-engine bookkeeping, room), and returns the
// final rating summary to the caller (§4.I, §3 "Deletion cascades").
func (s *Server) finalizeSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if !room.IsHostByToken(actor, req.Token) {
		writeAPIError(w, fmt.Errorf("%w: %s", types.ErrForbidden, types.ErrNotHost))
		return
	}

	var (
		proj    types.SessionStatus
		session *types.DiscordSession
	)
	actor.Do(func(rm *types.Room) {
		rm.Status = types.StatusEnded
		proj = status.Project(rm)
		session = rm.DiscordSession
	})

	roomID := actor.ID()
	s.wsRegistry.Broadcast(roomID, map[string]interface{}{
		"type":    types.MsgSessionEnded,
		"ratings": proj.Ratings,
		"average": proj.Average,
	})

	if uploadID, active := s.uploads.ActiveUploadID(roomID); active {
		_ = s.uploads.Abort(roomID, uploadID)
	}
	s.wsRegistry.CloseRoom(roomID, closeNormal, "session ended")
	s.syncEngine.Forget(roomID)
	if err := s.rooms.Delete(roomID); err != nil {
		s.log.Warn().Err(err).Str("room", roomID).Msg("finalize: room already gone")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"ratings":        proj.Ratings,
		"average":        proj.Average,
		"discordSession": session,
	})
}

const closeNormal = 1000

// uploadInit implements POST /api/upload/init/:roomId.
func (s *Server) uploadInit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeHost(actor, r); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := requireNotEnded(actor); err != nil {
		writeAPIError(w, err)
		return
	}

	var processing bool
	actor.Do(func(rm *types.Room) { processing = rm.State.IsProcessing })
	if processing {
		writeAPIError(w, fmt.Errorf("%w: a previous upload is still processing", types.ErrConflict))
		return
	}

	var req types.UploadInitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	uploadID, safeFilename, err := s.uploads.Init(actor.ID(), &req)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	actor.Do(func(rm *types.Room) {
		rm.State.IsUploading = true
		rm.State.UploadProgress = 0
	})

	writeJSON(w, http.StatusOK, map[string]string{"uploadId": uploadID, "safeFilename": safeFilename})
}

// uploadChunk implements POST /api/upload/chunk/:roomId/:uploadId/:chunkIndex.
func (s *Server) uploadChunk(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeHost(actor, r); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := requireNotEnded(actor); err != nil {
		writeAPIError(w, err)
		return
	}

	chunkIndex, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil {
		writeAPIError(w, fmt.Errorf("%w: chunkIndex must be an integer", types.ErrValidation))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBodyBytes))
	r.Body.Close()
	if err != nil {
		writeAPIError(w, types.WrapInfra(fmt.Errorf("read chunk body: %w", err)))
		return
	}

	progress, err := s.uploads.Chunk(actor.ID(), chi.URLParam(r, "uploadId"), chunkIndex, body)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"chunkIndex": chunkIndex,
		"progress":   progress,
	})
}

// uploadComplete implements POST /api/upload/complete/:roomId/:uploadId.
func (s *Server) uploadComplete(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeHost(actor, r); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := requireNotEnded(actor); err != nil {
		writeAPIError(w, err)
		return
	}

	var req struct {
		Filename    string `json:"filename"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	filename, err := s.uploads.Complete(actor.ID(), chi.URLParam(r, "uploadId"), req.TotalChunks)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	actor.Do(func(rm *types.Room) {
		rm.State.IsUploading = false
		rm.State.UploadProgress = 100
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"filename":   filename,
		"processing": true,
	})
}

// uploadAbort implements POST /api/upload/abort/:roomId/:uploadId.
func (s *Server) uploadAbort(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeHost(actor, r); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := requireNotEnded(actor); err != nil {
		writeAPIError(w, err)
		return
	}

	if err := s.uploads.Abort(actor.ID(), chi.URLParam(r, "uploadId")); err != nil {
		writeAPIError(w, err)
		return
	}

	actor.Do(func(rm *types.Room) {
		rm.State.IsUploading = false
		rm.State.UploadProgress = 0
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// uploadStatus implements GET /api/upload/status/:roomId/:uploadId.
func (s *Server) uploadStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeHost(actor, r); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := requireNotEnded(actor); err != nil {
		writeAPIError(w, err)
		return
	}

	st, err := s.uploads.Status(actor.ID(), chi.URLParam(r, "uploadId"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// uploadSubtitle implements POST /api/upload/subtitle/:roomId: a raw-body upload with the
// filename carried in the X-Filename header (§6).
func (s *Server) uploadSubtitle(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeHost(actor, r); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := requireNotEnded(actor); err != nil {
		writeAPIError(w, err)
		return
	}

	filename := r.Header.Get("X-Filename")
	if filename == "" {
		writeAPIError(w, fmt.Errorf("%w: X-Filename header is required", types.ErrValidation))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBodyBytes))
	r.Body.Close()
	if err != nil {
		writeAPIError(w, types.WrapInfra(fmt.Errorf("read subtitle body: %w", err)))
		return
	}

	safeFilename, err := s.streamer.SaveSubtitle(actor.ID(), filename, body)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	displayName := r.URL.Query().Get("displayName")
	if displayName == "" {
		displayName = safeFilename
	}

	actor.Do(func(rm *types.Room) {
		rm.State.Subtitles = append(rm.State.Subtitles, types.Subtitle{Filename: safeFilename, DisplayName: displayName})
	})
	s.wsRegistry.Broadcast(actor.ID(), map[string]interface{}{
		"type":     types.MsgSubtitleAdded,
		"filename": safeFilename,
		"language": displayName,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"filename":    safeFilename,
		"displayName": displayName,
	})
}

// downloadSubtitle implements GET /api/upload/subtitle/:roomId/:filename.
func (s *Server) downloadSubtitle(w http.ResponseWriter, r *http.Request) {
	data, err := s.streamer.ReadSubtitle(chi.URLParam(r, "roomId"), chi.URLParam(r, "filename"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// healthz implements GET /healthz (§10): process liveness plus the room count. No upload count is
// reported.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  s.rooms.Count(),
	})
}
