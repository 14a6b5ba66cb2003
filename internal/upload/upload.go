// Package upload implements the chunked, resumable upload pipeline (§4.C): init/chunk/status/
// complete/abort, cached writable file handles, on-disk checkpoints, and TTL garbage collection.
package upload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"watchparty/internal/metrics"
	"watchparty/internal/wplog"
	"watchparty/pkg/interfaces"
	"watchparty/pkg/types"
)

const (
	progressThrottle = 250 * time.Millisecond
	handleIdleTTL    = 60 * time.Second
	handleSweepEvery = 15 * time.Second
	gcTTL            = 30 * time.Minute
	gcSweepEvery     = 5 * time.Minute
)

// Engine owns all active uploads for the process. There is at most one active upload per room
// (§3: "For each room, at most one UploadMeta is active").
type Engine struct {
	mu   sync.Mutex
	byID map[string]*types.UploadMeta
	byRoom map[string]string // roomID -> uploadID

	handles *handlePool

	uploadsDir  string
	broadcaster interfaces.Broadcaster
	limiters    map[string]*rate.Limiter // roomID -> progress broadcast throttle
	limiterMu   sync.Mutex

	onComplete func(roomID, finalPath string)

	log zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine constructs an Engine rooted at uploadsDir. onComplete is invoked in a new goroutine
// once an upload completes, handing off to the media post-processor (§4.D) off the request path.
func NewEngine(uploadsDir string, broadcaster interfaces.Broadcaster, onComplete func(roomID, finalPath string)) *Engine {
	return &Engine{
		byID:        make(map[string]*types.UploadMeta),
		byRoom:      make(map[string]string),
		handles:     newHandlePool(),
		uploadsDir:  uploadsDir,
		broadcaster: broadcaster,
		limiters:    make(map[string]*rate.Limiter),
		onComplete:  onComplete,
		log:         wplog.WithComponent("upload"),
		stop:        make(chan struct{}),
	}
}

// Start launches the handle-idle sweeper and the TTL garbage collector.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.runHandleSweeper()
	go e.runGC()
}

// Stop signals both background loops to exit and waits for them.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.wg.Wait()
}

func (e *Engine) uploadDir(uploadID string) string {
	return filepath.Join(e.uploadsDir, uploadID)
}

func (e *Engine) partPath(uploadID string) string {
	return filepath.Join(e.uploadDir(uploadID), "upload.part")
}

func (e *Engine) metaPath(uploadID string) string {
	return filepath.Join(e.uploadDir(uploadID), "meta.json")
}

func (e *Engine) finalPath(uploadID, safeFilename string) string {
	return filepath.Join(e.uploadsDir, uploadID+"_"+safeFilename)
}

// Init creates a new upload, purging any previous active upload for the room (§4.C).
func (e *Engine) Init(roomID string, req *types.UploadInitRequest) (uploadID, safeFilename string, err error) {
	if err := req.Validate(); err != nil {
		return "", "", err
	}

	safeFilename = types.SanitizeFilename(req.Filename)
	uploadID = fmt.Sprintf("%s_%d", roomID, time.Now().UnixMilli())

	e.mu.Lock()
	if prevID, ok := e.byRoom[roomID]; ok {
		e.purgeLocked(prevID)
	}
	e.mu.Unlock()

	if err := os.MkdirAll(e.uploadDir(uploadID), 0o755); err != nil {
		return "", "", types.WrapInfra(fmt.Errorf("create upload dir: %w", err))
	}

	if err := preallocate(e.partPath(uploadID), req.TotalSize); err != nil {
		return "", "", types.WrapInfra(fmt.Errorf("preallocate part file: %w", err))
	}

	now := time.Now()
	meta := &types.UploadMeta{
		RoomID:         roomID,
		UploadID:       uploadID,
		Filename:       safeFilename,
		TotalChunks:    req.TotalChunks,
		ChunkSize:      req.ChunkSize,
		TotalSize:      req.TotalSize,
		ReceivedChunks: make(map[int]struct{}),
		CreatedAt:      now,
		LastActivity:   now,
	}

	if err := e.writeMeta(meta); err != nil {
		return "", "", err
	}

	e.mu.Lock()
	e.byID[uploadID] = meta
	e.byRoom[roomID] = uploadID
	e.mu.Unlock()

	metrics.UploadsInProgress.Inc()

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(roomID, map[string]interface{}{
			"type":     types.MsgUploadStart,
			"uploadId": uploadID,
			"filename": safeFilename,
		})
	}

	e.log.Info().Str("room", roomID).Str("upload", uploadID).Str("filename", safeFilename).Msg("upload initialized")
	return uploadID, safeFilename, nil
}

// purgeLocked removes an upload's in-memory state and disk artifacts. Caller holds e.mu.
func (e *Engine) purgeLocked(uploadID string) {
	meta, ok := e.byID[uploadID]
	if !ok {
		return
	}
	e.handles.close(uploadID)
	delete(e.byID, uploadID)
	delete(e.byRoom, meta.RoomID)
	_ = os.RemoveAll(e.uploadDir(uploadID))
	metrics.UploadsInProgress.Dec()
}

func (e *Engine) get(roomID, uploadID string) (*types.UploadMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta, ok := e.byID[uploadID]
	if !ok || meta.RoomID != roomID {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, types.ErrUploadNotFound)
	}
	return meta, nil
}

// Chunk writes one chunk at its exclusive byte offset via a cached handle (§4.C).
func (e *Engine) Chunk(roomID, uploadID string, chunkIndex int, body []byte) (progress int, err error) {
	meta, err := e.get(roomID, uploadID)
	if err != nil {
		metrics.UploadChunksTotal.WithLabelValues("not_found").Inc()
		return 0, err
	}

	if chunkIndex < 0 || chunkIndex >= meta.TotalChunks {
		metrics.UploadChunksTotal.WithLabelValues("out_of_range").Inc()
		return 0, fmt.Errorf("%w: %s", types.ErrValidation, types.ErrChunkIndexRange)
	}

	f, err := e.handles.acquire(uploadID, e.partPath(uploadID))
	if err != nil {
		metrics.UploadChunksTotal.WithLabelValues("infra").Inc()
		return 0, types.WrapInfra(fmt.Errorf("open part file: %w", err))
	}
	defer e.handles.release(uploadID)

	offset := int64(chunkIndex) * meta.ChunkSize
	if _, err := f.WriteAt(body, offset); err != nil {
		metrics.UploadChunksTotal.WithLabelValues("infra").Inc()
		return 0, types.WrapInfra(fmt.Errorf("write chunk %d: %w", chunkIndex, err))
	}

	e.mu.Lock()
	meta.ReceivedChunks[chunkIndex] = struct{}{}
	meta.LastActivity = time.Now()
	progress = meta.Progress()
	e.mu.Unlock()

	metrics.UploadChunksTotal.WithLabelValues("ok").Inc()

	e.maybeBroadcastProgress(roomID, uploadID, progress)
	return progress, nil
}

func (e *Engine) maybeBroadcastProgress(roomID, uploadID string, progress int) {
	if e.broadcaster == nil {
		return
	}

	e.limiterMu.Lock()
	lim, ok := e.limiters[roomID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(progressThrottle), 1)
		e.limiters[roomID] = lim
	}
	e.limiterMu.Unlock()

	if !lim.Allow() {
		return
	}

	e.broadcaster.Broadcast(roomID, map[string]interface{}{
		"type":     types.MsgUploadProgress,
		"uploadId": uploadID,
		"progress": progress,
	})
}

// Status reports the set of chunks already on disk, enabling resume after reload (§4.C).
type Status struct {
	UploadID       string `json:"uploadId"`
	Filename       string `json:"filename"`
	TotalChunks    int    `json:"totalChunks"`
	ExistingChunks []int  `json:"existingChunks"`
	LastActivity   int64  `json:"lastActivity"`
}

func (e *Engine) Status(roomID, uploadID string) (*Status, error) {
	meta, err := e.get(roomID, uploadID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing := make([]int, 0, len(meta.ReceivedChunks))
	for idx := range meta.ReceivedChunks {
		existing = append(existing, idx)
	}

	return &Status{
		UploadID:       meta.UploadID,
		Filename:       meta.Filename,
		TotalChunks:    meta.TotalChunks,
		ExistingChunks: existing,
		LastActivity:   meta.LastActivity.UnixMilli(),
	}, nil
}

// Complete validates all chunks are present, publishes the final file, and hands off to the
// post-processor in the background (§4.C).
func (e *Engine) Complete(roomID, uploadID string, totalChunks int) (finalFilename string, err error) {
	meta, err := e.get(roomID, uploadID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	received := len(meta.ReceivedChunks)
	e.mu.Unlock()

	if received != totalChunks {
		err := fmt.Errorf("%w: received %d of %d chunks", types.ErrValidation, received, totalChunks)
		return "", types.WithFields(err, map[string]interface{}{"received": received, "expected": totalChunks})
	}

	e.handles.close(uploadID)

	final := e.finalPath(uploadID, meta.Filename)
	if err := os.Rename(e.partPath(uploadID), final); err != nil {
		return "", types.WrapInfra(fmt.Errorf("publish final file: %w", err))
	}
	_ = os.RemoveAll(e.uploadDir(uploadID))

	e.mu.Lock()
	delete(e.byID, uploadID)
	delete(e.byRoom, roomID)
	e.mu.Unlock()

	metrics.UploadsInProgress.Dec()

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(roomID, map[string]interface{}{
			"type":    types.MsgProcessingProgress,
			"message": "starting",
		})
	}

	e.log.Info().Str("room", roomID).Str("upload", uploadID).Str("file", final).Msg("upload completed")

	if e.onComplete != nil {
		go e.onComplete(roomID, final)
	}

	return meta.Filename, nil
}

// Abort purges an upload's in-memory cache, open handle, and disk artifacts (§4.C).
func (e *Engine) Abort(roomID, uploadID string) error {
	if _, err := e.get(roomID, uploadID); err != nil {
		return err
	}

	e.mu.Lock()
	e.purgeLocked(uploadID)
	e.mu.Unlock()

	e.log.Info().Str("room", roomID).Str("upload", uploadID).Msg("upload aborted")
	return nil
}

// ActiveUploadID returns the currently active upload id for roomID, if any.
func (e *Engine) ActiveUploadID(roomID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byRoom[roomID]
	return id, ok
}

func (e *Engine) writeMeta(meta *types.UploadMeta) error {
	pending, err := renameio.NewPendingFile(e.metaPath(meta.UploadID))
	if err != nil {
		return types.WrapInfra(fmt.Errorf("create pending meta file: %w", err))
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	data, err := json.Marshal(meta)
	if err != nil {
		return types.WrapInfra(fmt.Errorf("marshal upload meta: %w", err))
	}
	if _, err := pending.Write(data); err != nil {
		return types.WrapInfra(fmt.Errorf("write upload meta: %w", err))
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return types.WrapInfra(fmt.Errorf("replace upload meta: %w", err))
	}
	return nil
}

// preallocate sparse-truncates path to size so concurrent chunk writes can target disjoint
// byte ranges without growing the file mid-upload.
func preallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func (e *Engine) runHandleSweeper() {
	defer e.wg.Done()
	ticker := time.NewTicker(handleSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.handles.sweep(handleIdleTTL)
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) runGC() {
	defer e.wg.Done()
	ticker := time.NewTicker(gcSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepExpired()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) sweepExpired() {
	now := time.Now()

	var expired []string
	e.mu.Lock()
	for id, meta := range e.byID {
		if now.Sub(meta.LastActivity) > gcTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		e.purgeLocked(id)
	}
	active := make(map[string]bool, len(e.byID))
	for id := range e.byID {
		active[id] = true
	}
	e.mu.Unlock()

	entries, err := os.ReadDir(e.uploadsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), "_subtitles") || active[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > gcTTL {
			_ = os.RemoveAll(filepath.Join(e.uploadsDir, entry.Name()))
		}
	}

	if len(expired) > 0 {
		e.log.Info().Int("count", len(expired)).Msg("expired uploads garbage collected")
	}
}
