package stream

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"watchparty/internal/room"
	"watchparty/pkg/types"
)

func newTestHandler(t *testing.T) (*Handler, *room.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	registry := room.NewRegistry(room.Config{}, nil)
	roomID, _, err := registry.Create(&types.CreateRoomRequest{
		Title:     "movie night",
		MovieName: "Dune",
		DiscordSession: &types.DiscordSession{
			ChannelID:     "chan-1",
			GuildID:       "guild-1",
			HostDiscordID: "host-1",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewHandler(registry, dir), registry, roomID
}

func writeVideoFile(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestServeVideo_CapsChunkAt4MiB(t *testing.T) {
	h, registry, roomID := newTestHandler(t)
	dir := t.TempDir()
	data := make([]byte, 8*1024*1024)
	path := writeVideoFile(t, dir, data)

	actor, _ := registry.Get(roomID)
	actor.Do(func(r *types.Room) { r.State.VideoPath = path })

	req := httptest.NewRequest(http.MethodGet, "/video/"+roomID, nil)
	req.Header.Set("Range", "bytes=0-")
	rec := httptest.NewRecorder()
	h.ServeVideo(rec, req, roomID)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.Len(); got != maxChunkBytes {
		t.Errorf("body length = %d, want capped at %d", got, maxChunkBytes)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-4194303/8388608" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServeVideo_NoRangeStreamsWholeFileUncapped(t *testing.T) {
	h, registry, roomID := newTestHandler(t)
	dir := t.TempDir()
	data := make([]byte, 8*1024*1024) // larger than the 4 MiB Range-chunk cap
	path := writeVideoFile(t, dir, data)

	actor, _ := registry.Get(roomID)
	actor.Do(func(r *types.Room) { r.State.VideoPath = path })

	req := httptest.NewRequest(http.MethodGet, "/video/"+roomID, nil)
	rec := httptest.NewRecorder()
	h.ServeVideo(rec, req, roomID)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.Len(); got != len(data) {
		t.Errorf("body length = %d, want the full %d-byte file, not capped at %d", got, len(data), maxChunkBytes)
	}
	if got := rec.Header().Get("Content-Length"); got != "8388608" {
		t.Errorf("Content-Length = %q, want 8388608", got)
	}
}

func TestServeVideo_404WhenNoVideoPath(t *testing.T) {
	h, _, roomID := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/video/"+roomID, nil)
	rec := httptest.NewRecorder()
	h.ServeVideo(rec, req, roomID)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSaveAndReadSubtitle_RoundTrips(t *testing.T) {
	h, _, roomID := newTestHandler(t)

	safeName, err := h.SaveSubtitle(roomID, "../../etc/evil.srt", []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n"))
	if err != nil {
		t.Fatalf("SaveSubtitle: %v", err)
	}
	if safeName != ".._.._etc_evil.srt" {
		t.Errorf("safeName = %q, want traversal characters collapsed", safeName)
	}

	data, err := h.ReadSubtitle(roomID, safeName)
	if err != nil {
		t.Fatalf("ReadSubtitle: %v", err)
	}
	if string(data) != "1\n00:00:00,000 --> 00:00:01,000\nhi\n" {
		t.Errorf("unexpected subtitle content: %q", data)
	}
}

func TestReadSubtitle_NotFound(t *testing.T) {
	h, _, roomID := newTestHandler(t)

	if _, err := h.ReadSubtitle(roomID, "missing.srt"); err == nil {
		t.Error("expected error for missing subtitle file")
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantOK    bool
	}{
		{"bytes=0-99", 1000, 0, 99, true},
		{"bytes=500-", 1000, 500, -1, true},
		{"bytes=1000-", 1000, 0, 0, false},
		{"bogus", 1000, 0, 0, false},
	}
	for _, c := range cases {
		start, end, ok := parseRange(c.header, c.size)
		if ok != c.wantOK {
			t.Errorf("parseRange(%q) ok = %v, want %v", c.header, ok, c.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if start != c.wantStart || end != c.wantEnd {
			t.Errorf("parseRange(%q) = (%d, %d), want (%d, %d)", c.header, start, end, c.wantStart, c.wantEnd)
		}
	}
}
