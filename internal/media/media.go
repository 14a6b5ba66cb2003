// Package media implements the Media Post-Processor (§4.D): subtitle extraction followed by a
// conditional audio transcode, run as the background handoff from a completed upload.
package media

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"watchparty/internal/metrics"
	"watchparty/internal/room"
	"watchparty/internal/wplog"
	"watchparty/pkg/interfaces"
	"watchparty/pkg/types"
)

// bitmapSubtitleCodecs are image-based subtitle codecs that ffmpeg cannot demux to SRT text;
// streams using them are skipped rather than converted (§4.D).
var bitmapSubtitleCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true,
	"dvd_subtitle":      true,
	"dvb_subtitle":      true,
	"xsub":              true,
}

// passthroughAudioCodecs are left untouched when they are the codec of the first audio stream,
// the stream used when no explicit selection is made (§4.D).
var passthroughAudioCodecs = map[string]bool{
	"aac": true,
	"mp3": true,
}

const (
	probeTimeout     = 30 * time.Second
	transcodeTimeout = 2 * time.Hour
	stallWindow      = 60 * time.Second
)

// Processor runs ffprobe/ffmpeg against a newly completed upload and reports back onto the
// room's state and event stream. Grounded on the probe/transcode idiom shared by this corpus's
// video pipelines (args-array construction, stderr/stdout progress monitoring, bounded contexts).
type Processor struct {
	uploadsDir  string
	registry    *room.Registry
	broadcaster interfaces.Broadcaster
	log         zerolog.Logger

	ffprobePath string
	ffmpegPath  string
}

// NewProcessor constructs a Processor. Its Process method has the same signature the upload
// engine's onComplete callback expects, so it is wired in directly at application startup.
func NewProcessor(uploadsDir string, registry *room.Registry, broadcaster interfaces.Broadcaster) *Processor {
	return &Processor{
		uploadsDir:  uploadsDir,
		registry:    registry,
		broadcaster: broadcaster,
		log:         wplog.WithComponent("media"),
		ffprobePath: "ffprobe",
		ffmpegPath:  "ffmpeg",
	}
}

// Process runs the two-phase pipeline for finalPath in roomID: subtitle extraction, then a
// conditional audio transcode. It is invoked in its own goroutine by the upload engine and never
// returns an error to its caller — failures are reported onto the room's state instead (§4.D).
func (p *Processor) Process(roomID, finalPath string) {
	log := wplog.WithRoom("media", roomID)
	actor, err := p.registry.Get(roomID)
	if err != nil {
		log.Warn().Err(err).Msg("room vanished before post-processing could start")
		return
	}

	actor.Do(func(r *types.Room) {
		r.State.IsProcessing = true
		r.State.ProcessingMessage = ""
	})

	ctx := context.Background()
	n := p.extractSubtitles(ctx, actor, roomID, finalPath, log)
	log.Info().Int("subtitles", n).Msg("subtitle extraction finished")

	final, err := p.transcodeAudio(ctx, actor, roomID, finalPath, log)
	if err != nil {
		log.Error().Err(err).Msg("audio transcode failed")
		p.fail(actor, roomID)
		return
	}

	actor.Do(func(r *types.Room) {
		r.State.VideoPath = final
		r.State.IsProcessing = false
		r.State.ProcessingMessage = ""
	})
	if p.broadcaster != nil {
		p.broadcaster.Broadcast(roomID, map[string]interface{}{
			"type":      types.MsgVideoReady,
			"videoPath": final,
		})
	}
}

func (p *Processor) fail(actor *room.Actor, roomID string) {
	actor.Do(func(r *types.Room) {
		r.State.IsProcessing = false
		r.State.ProcessingMessage = "Error"
	})
	if p.broadcaster != nil {
		p.broadcaster.Broadcast(roomID, map[string]interface{}{
			"type":    types.MsgProcessingProgress,
			"message": "Error",
		})
	}
}

func (p *Processor) setProcessingMessage(actor *room.Actor, roomID, msg string) {
	actor.Do(func(r *types.Room) { r.State.ProcessingMessage = msg })
	if p.broadcaster != nil {
		p.broadcaster.Broadcast(roomID, map[string]interface{}{
			"type":    types.MsgProcessingProgress,
			"message": msg,
		})
	}
}

// streamInfo is one probed stream's subset of ffprobe's key=value output.
type streamInfo struct {
	Index     int
	CodecName string
	Language  string
}

// probeStreams runs ffprobe against path restricted to selector ("s" for subtitles, "a" for
// audio) and parses the newline-delimited key=value output into one streamInfo per stream. A
// new stream starts at each "index=" line, matching the probe idiom used across this corpus's
// video pipelines rather than parsing ffprobe's JSON output.
func (p *Processor) probeStreams(ctx context.Context, path, selector string) ([]streamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-select_streams", selector,
		"-show_entries", "stream=index,codec_name:stream_tags=language",
		"-of", "default=noprint_wrappers=1",
		path,
	}
	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	start := time.Now()
	out, err := cmd.Output()
	metrics.MediaProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe -select_streams %s: %v", types.ErrInfra, selector, err)
	}
	return parseProbeOutput(string(out)), nil
}

// parseProbeOutput parses ffprobe's "-of default=noprint_wrappers=1" key=value output, starting
// a new streamInfo at every "index=" line.
func parseProbeOutput(out string) []streamInfo {
	var streams []streamInfo
	var cur *streamInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "index":
			idx, convErr := strconv.Atoi(value)
			if convErr != nil {
				continue
			}
			streams = append(streams, streamInfo{Index: idx})
			cur = &streams[len(streams)-1]
		case "codec_name":
			if cur != nil {
				cur.CodecName = value
			}
		case "language", "TAG:language":
			if cur != nil {
				cur.Language = value
			}
		}
	}
	return streams
}

// extractSubtitles implements §4.D phase 1: probe subtitle streams, demux every text-codec one
// to SRT under <uploads>/<roomId>_subtitles/, register it on the room, and broadcast
// subtitle-added. Bitmap-only containers surface a user-facing message instead of failing.
// Per-stream failures are logged and skipped; they never fail the pipeline.
func (p *Processor) extractSubtitles(ctx context.Context, actor *room.Actor, roomID, finalPath string, log zerolog.Logger) int {
	streams, err := p.probeStreams(ctx, finalPath, "s")
	if err != nil {
		log.Warn().Err(err).Msg("subtitle probe failed, skipping extraction")
		return 0
	}
	if len(streams) == 0 {
		return 0
	}

	subtitleDir := filepath.Join(p.uploadsDir, roomID+"_subtitles")
	if err := os.MkdirAll(subtitleDir, 0o755); err != nil {
		log.Warn().Err(err).Msg("cannot create subtitle directory")
		return 0
	}

	bitmapOnly := true
	extracted := 0
	for _, s := range streams {
		if bitmapSubtitleCodecs[s.CodecName] {
			continue
		}
		bitmapOnly = false

		lang := s.Language
		if lang == "" {
			lang = "und"
		}
		filename := fmt.Sprintf("%s_sub_%d_%s.srt", roomID, s.Index, lang)
		dest := filepath.Join(subtitleDir, filename)

		if err := p.extractOneSubtitle(ctx, finalPath, s.Index, dest); err != nil {
			log.Warn().Err(err).Int("stream", s.Index).Msg("subtitle stream extraction failed, skipping")
			continue
		}

		actor.Do(func(r *types.Room) {
			r.State.Subtitles = append(r.State.Subtitles, types.Subtitle{Filename: filename, DisplayName: lang})
		})
		if p.broadcaster != nil {
			p.broadcaster.Broadcast(roomID, map[string]interface{}{
				"type":     types.MsgSubtitleAdded,
				"filename": filename,
				"language": lang,
			})
		}
		extracted++
	}

	if bitmapOnly && len(streams) > 0 {
		p.setProcessingMessage(actor, roomID, "bitmap subtitles ignored")
	}
	return extracted
}

// extractOneSubtitle demuxes a single subtitle stream to SRT via a temp file, renamed into place
// on success so a failed or killed ffmpeg never leaves a partial .srt visible to clients.
func (p *Processor) extractOneSubtitle(ctx context.Context, source string, streamIndex int, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	tmp := dest + ".tmp"
	args := []string{
		"-y",
		"-i", source,
		"-map", fmt.Sprintf("0:%d", streamIndex),
		"-c:s", "srt",
		tmp,
	}
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: ffmpeg subtitle extract: %v: %s", types.ErrInfra, err, truncate(string(out), 300))
	}
	return os.Rename(tmp, dest)
}

// transcodeAudio implements §4.D phase 2. It leaves finalPath untouched when the first audio
// stream is already aac or mp3; otherwise it produces a faststart mp4 with that stream
// transcoded to stereo 192kbps AAC and the video copied, replacing finalPath in place.
func (p *Processor) transcodeAudio(ctx context.Context, actor *room.Actor, roomID, finalPath string, log zerolog.Logger) (string, error) {
	streams, err := p.probeStreams(ctx, finalPath, "a")
	if err != nil {
		return "", err
	}
	if len(streams) == 0 {
		return finalPath, nil
	}

	target := streams[0]
	if passthroughAudioCodecs[target.CodecName] {
		return finalPath, nil
	}

	p.setProcessingMessage(actor, roomID, "Converting audio…")

	converted := strings.TrimSuffix(finalPath, filepath.Ext(finalPath)) + "_converted.mp4"
	args := []string{
		"-y",
		"-i", finalPath,
		"-map", "0:v:0",
		"-map", fmt.Sprintf("0:%d", target.Index),
		"-c:v", "copy",
		"-c:a", "aac",
		"-ac", "2",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		converted,
	}

	transcodeCtx, cancel := context.WithTimeout(ctx, transcodeTimeout)
	defer cancel()
	cmd := exec.CommandContext(transcodeCtx, p.ffmpegPath, args...)

	start := time.Now()
	err = runWithProgressWatchdog(transcodeCtx, cmd, stallWindow)
	metrics.MediaTranscodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		os.Remove(converted)
		return "", fmt.Errorf("%w: transcode audio: %v", types.ErrInfra, err)
	}

	if err := os.Rename(converted, finalPath); err != nil {
		log.Warn().Err(err).Msg("could not replace original with transcoded file")
		return "", fmt.Errorf("%w: replace original with transcoded file: %v", types.ErrInfra, err)
	}
	return finalPath, nil
}

// runWithProgressWatchdog starts cmd, which must have been constructed with "-progress pipe:1"
// so ffmpeg reports progress on stdout, and kills it if no progress line arrives within stall.
// This is the per-invocation analogue of the stderr progress monitors this corpus's video
// pipelines run in a background goroutine, generalized to also act as a liveness watchdog so a
// wedged transcode cannot pin a worker goroutine forever (§4.D, §5).
func runWithProgressWatchdog(ctx context.Context, cmd *exec.Cmd, stall time.Duration) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	progress := make(chan struct{}, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case progress <- struct{}{}:
			default:
			}
		}
	}()

	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(stall)
	defer timer.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-progress:
			timer.Reset(stall)
		case <-timer.C:
			_ = cmd.Process.Kill()
			<-done
			return fmt.Errorf("no progress for %s, process killed", stall)
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			return ctx.Err()
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
