// Package sync implements the Sync Protocol Engine (§4.E): host-command acceptance gated on a
// monotonic sequence number, the reference-point playhead formula, and the periodic tick loop
// that keeps every connected client's clock aligned with the host's.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchparty/internal/metrics"
	"watchparty/internal/room"
	"watchparty/internal/status"
	"watchparty/internal/wplog"
	"watchparty/pkg/interfaces"
	"watchparty/pkg/types"
)

const (
	tickInterval    = 1 * time.Second
	playingInterval = 2 * time.Second
	pausedInterval  = 5 * time.Second
)

// Engine drives host-command gating and the global sync tick loop. It holds no room state of its
// own beyond the per-room timestamp of the last frame it emitted.
type Engine struct {
	registry    *room.Registry
	broadcaster interfaces.Broadcaster
	log         zerolog.Logger

	mu           sync.Mutex
	lastSyncSent map[string]int64 // roomID -> ms of last emitted sync frame

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine constructs an Engine bound to registry. broadcaster may be nil in tests that only
// exercise ApplyHostCommand's validation and state-mutation path.
func NewEngine(registry *room.Registry, broadcaster interfaces.Broadcaster) *Engine {
	return &Engine{
		registry:     registry,
		broadcaster:  broadcaster,
		log:          wplog.WithComponent("sync"),
		lastSyncSent: make(map[string]int64),
		stop:         make(chan struct{}),
	}
}

// ApplyHostCommand validates and applies a play/pause/seek command against actor's room (§4.E):
// the caller must hold a token naming the current host, and cmd.Seq must exceed the room's
// LastCommandSeq or the command is rejected as stale/duplicate with a validation error.
func (e *Engine) ApplyHostCommand(actor *room.Actor, token string, cmd *types.HostCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if !room.IsHostByToken(actor, token) {
		return fmt.Errorf("%w: %s", types.ErrForbidden, types.ErrNotHost)
	}

	var (
		accepted    bool
		ended       bool
		frame       map[string]interface{}
		statusFrame map[string]interface{}
	)

	now := time.Now().UnixMilli()
	actor.Do(func(r *types.Room) {
		if r.Status == types.StatusEnded {
			ended = true
			return
		}
		if cmd.Seq <= r.State.LastCommandSeq {
			return
		}

		r.State.CurrentTime = cmd.CurrentTime
		switch cmd.Type {
		case types.MsgPlay:
			r.State.IsPlaying = true
		case types.MsgPause:
			r.State.IsPlaying = false
		case types.MsgSeek:
			// isPlaying carries over unchanged on a bare seek.
		}
		r.State.LastUpdate = now
		r.State.LastCommandSeq = cmd.Seq
		r.State.HostLastHeartbeat = now
		accepted = true

		firstPlay := cmd.Type == types.MsgPlay && !r.State.PlaybackStarted
		if firstPlay {
			r.State.PlaybackStarted = true
		}
		if firstPlay && r.IsDiscordBound() && r.Status == types.StatusWaiting {
			r.Status = types.StatusPlaying
			statusFrame = sessionStatusFrame(status.Project(r))
		}

		frame = syncFrame(r.State.CurrentTime, r.State.IsPlaying, now)
	})

	if ended {
		return fmt.Errorf("%w: %s", types.ErrForbidden, types.ErrSessionEnded)
	}
	if !accepted {
		return fmt.Errorf("%w: stale or duplicate sequence number", types.ErrValidation)
	}

	e.mu.Lock()
	e.lastSyncSent[actor.ID()] = now
	e.mu.Unlock()

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(actor.ID(), frame)
		if statusFrame != nil {
			e.broadcaster.Broadcast(actor.ID(), statusFrame)
		}
	}
	return nil
}

// PersonalSyncFrame computes the current playhead for a single client's "state" request, without
// mutating or broadcasting anything (§4.E).
func PersonalSyncFrame(actor *room.Actor) map[string]interface{} {
	now := time.Now().UnixMilli()
	var frame map[string]interface{}
	actor.Do(func(r *types.Room) {
		frame = syncFrame(r.State.EffectivePlayhead(now), r.State.IsPlaying, now)
	})
	return frame
}

func syncFrame(currentTime float64, isPlaying bool, serverTime int64) map[string]interface{} {
	return map[string]interface{}{
		"type":        types.MsgSync,
		"currentTime": currentTime,
		"isPlaying":   isPlaying,
		"serverTime":  serverTime,
	}
}

func sessionStatusFrame(proj types.SessionStatus) map[string]interface{} {
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

// Start launches the global 1 Hz tick loop. It returns immediately; Stop releases the goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.runTickLoop(ctx)
}

// Stop signals the tick loop to exit and waits for it.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.wg.Wait()
}

func (e *Engine) runTickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.registry.ForEach(e.maybeTick)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// maybeTick emits a sync frame for actor's room if enough time has elapsed since the last one,
// using a 2s interval while playing and 5s while paused (§4.E).
func (e *Engine) maybeTick(actor *room.Actor) {
	now := time.Now().UnixMilli()

	var (
		due   bool
		frame map[string]interface{}
	)
	actor.Do(func(r *types.Room) {
		if r.Status == types.StatusEnded {
			return
		}

		interval := pausedInterval
		if r.State.IsPlaying {
			interval = playingInterval
		}

		e.mu.Lock()
		last := e.lastSyncSent[actor.ID()]
		e.mu.Unlock()

		if now-last < interval.Milliseconds() {
			return
		}

		due = true
		frame = syncFrame(r.State.EffectivePlayhead(now), r.State.IsPlaying, now)
	})

	if !due {
		return
	}

	e.mu.Lock()
	e.lastSyncSent[actor.ID()] = now
	e.mu.Unlock()

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(actor.ID(), frame)
	}
	metrics.SyncTicksTotal.Inc()
}

// Forget drops roomID's last-sent timestamp once its room is deleted, so the map does not retain
// one stale entry per room that ever existed for the life of the process.
func (e *Engine) Forget(roomID string) {
	e.mu.Lock()
	delete(e.lastSyncSent, roomID)
	e.mu.Unlock()
}
