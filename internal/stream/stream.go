// Package stream implements byte-range video delivery and subtitle file download (§4.G): the
// 4 MiB max-chunk-size contract on Range requests, and UTF-8/Windows-1252 subtitle decoding. The
// path-containment guard is grounded on the upstream pack's secure file server.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"watchparty/internal/room"
	"watchparty/pkg/types"
)

const maxChunkBytes = 4 * 1024 * 1024

// Handler serves the video streaming and subtitle endpoints (§4.G).
type Handler struct {
	registry   *room.Registry
	uploadsDir string
}

// NewHandler constructs a Handler rooted at uploadsDir for subtitle storage.
func NewHandler(registry *room.Registry, uploadsDir string) *Handler {
	return &Handler{registry: registry, uploadsDir: uploadsDir}
}

// ServeVideo implements GET /video/:roomId: 200 for a non-ranged request, 206 for a Range
// request, with the served chunk capped at 4 MiB regardless of what the client asked for.
func (h *Handler) ServeVideo(w http.ResponseWriter, r *http.Request, roomID string) {
	actor, err := h.registry.Get(roomID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var videoPath string
	actor.Do(func(rm *types.Room) { videoPath = rm.State.VideoPath })
	if videoPath == "" {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(videoPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	size := info.Size()

	contentType := mime.TypeByExtension(filepath.Ext(videoPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		// §4.G: without Range, stream the whole file with 200. The 4 MiB ceiling below applies
		// only to the 206/Range branch — capping here would silently truncate any plain download.
		h.writeChunk(w, f, contentType, 0, size-1, size, http.StatusOK)
		return
	}

	start, requestedEnd, ok := parseRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	end := start + maxChunkBytes - 1
	if requestedEnd >= 0 && requestedEnd < end {
		end = requestedEnd
	}
	if end > size-1 {
		end = size - 1
	}

	h.writeChunk(w, f, contentType, start, end, size, http.StatusPartialContent)
}

func (h *Handler) writeChunk(w http.ResponseWriter, f *os.File, contentType string, start, end, size int64, status int) {
	length := end - start + 1

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Cache-Control", "no-cache")
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}
	w.WriteHeader(status)

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	_, _ = io.CopyN(w, f, length)
}

// parseRange parses a single "bytes=<start>-<end?>" header. requestedEnd is -1 when the client
// left the end of the range open.
func parseRange(header string, size int64) (start, requestedEnd int64, ok bool) {
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}

	requestedEnd = -1
	if parts[1] != "" {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < s {
			return 0, 0, false
		}
		requestedEnd = e
	}
	return s, requestedEnd, true
}

// SaveSubtitle writes body to roomID's subtitle directory under a sanitized filename, refusing
// any path that would escape uploadsDir (§5, §8).
func (h *Handler) SaveSubtitle(roomID, filename string, body []byte) (safeFilename string, err error) {
	safeFilename = types.SanitizeFilename(filename)
	dir := filepath.Join(h.uploadsDir, roomID+"_subtitles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", types.WrapInfra(err)
	}

	dest := filepath.Join(dir, safeFilename)
	if err := requireWithinRoot(h.uploadsDir, dest); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", types.WrapInfra(err)
	}
	return safeFilename, nil
}

// ReadSubtitle returns filename's contents from roomID's subtitle directory, decoded as UTF-8
// with a Windows-1252 fallback for files whose bytes are not valid UTF-8 (§4.G).
func (h *Handler) ReadSubtitle(roomID, filename string) ([]byte, error) {
	safeFilename := types.SanitizeFilename(filename)
	path := filepath.Join(h.uploadsDir, roomID+"_subtitles", safeFilename)
	if err := requireWithinRoot(h.uploadsDir, path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNotFound, err)
	}

	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})

	if utf8.Valid(raw) {
		return raw, nil
	}

	decoded, decodeErr := charmap.Windows1252.NewDecoder().Bytes(raw)
	if decodeErr != nil {
		return raw, nil
	}
	return decoded, nil
}

// requireWithinRoot refuses any path that normalizes outside root, the Unicode-normalized
// containment check from the upstream pack's secure file server (§5, §8).
func requireWithinRoot(root, path string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return types.WrapInfra(err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return types.WrapInfra(err)
	}

	normalized := norm.NFC.String(absPath)
	rel, err := filepath.Rel(absRoot, normalized)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s", types.ErrValidation, types.ErrPathEscapesRoot)
	}
	return nil
}
