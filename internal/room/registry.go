// Package room implements the Room Registry and Membership & Tokens components (§4.A, §4.B):
// a process-wide, at-most-one-active-session map of rooms, each owned by its own mailbox actor.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchparty/internal/metrics"
	"watchparty/internal/wplog"
	"watchparty/pkg/interfaces"
	"watchparty/pkg/types"
)

const (
	idleDeleteAfter   = 10 * time.Minute
	deleteDebounce    = 30 * time.Second
	cleanupInterval   = 5 * time.Minute
	hostCheckInterval = 15 * time.Second
	hostInactiveAfter = 60 * time.Second
)

// Config carries registry-wide capacity settings. MaxClientsPerRoom is stored but not consulted:
// GenerateUserToken and the admission check both use the fixed types.MaxClientsPerRoom.
type Config struct {
	MaxClientsPerRoom int
}

// Registry is the process-wide, singleton-session room map (§4.A). At most one room may exist at
// a time, mirroring the Non-goal "more than one concurrent session per server instance".
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Actor

	emptySince map[string]time.Time

	cfg         Config
	broadcaster interfaces.Broadcaster
	log         zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry constructs a Registry. broadcaster is used to fan out host-changed events from the
// periodic host-inactivity check (§4.B); it may be nil in tests that don't exercise that path.
func NewRegistry(cfg Config, broadcaster interfaces.Broadcaster) *Registry {
	if cfg.MaxClientsPerRoom <= 0 {
		cfg.MaxClientsPerRoom = types.MaxClientsPerRoom
	}
	return &Registry{
		rooms:       make(map[string]*Actor),
		emptySince:  make(map[string]time.Time),
		cfg:         cfg,
		broadcaster: broadcaster,
		log:         wplog.WithComponent("room"),
		stop:        make(chan struct{}),
	}
}

// Create creates a new Discord-bound room, enforcing the singleton-session rule (§4.A). Returns
// the room id and the freshly minted host token.
func (r *Registry) Create(req *types.CreateRoomRequest) (roomID, hostToken string, err error) {
	if err := req.Validate(); err != nil {
		return "", "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.rooms) > 0 {
		return "", "", fmt.Errorf("%w: %s", types.ErrConflict, types.ErrDiscordSessionBusy)
	}

	id, err := newOpaqueID()
	if err != nil {
		return "", "", types.WrapInfra(fmt.Errorf("generate room id: %w", err))
	}
	token, err := newToken()
	if err != nil {
		return "", "", types.WrapInfra(fmt.Errorf("generate host token: %w", err))
	}

	now := time.Now()
	rm := &types.Room{
		ID:              id,
		Title:           req.Title,
		MovieName:       req.MovieName,
		MovieInfo:       req.MovieInfo,
		SelectedEpisode: req.SelectedEpisode,
		DiscordSession:  req.DiscordSession,
		Status:          types.StatusWaiting,
		Members:         make(map[string]*types.Member),
		State: types.RoomState{
			HostID:            req.DiscordSession.HostDiscordID,
			HostLastHeartbeat: now.UnixMilli(),
			LastUpdate:        now.UnixMilli(),
		},
		CreatedAt:    now,
		LastActivity: now,
	}
	rm.Members[token] = &types.Member{
		ExternalID:  req.DiscordSession.HostDiscordID,
		DisplayName: req.DiscordSession.HostUsername,
		IsHost:      true,
		ConnectedAt: now,
	}

	actor := newActor(rm)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		actor.run()
	}()

	r.rooms[id] = actor
	metrics.RoomsActive.Set(float64(len(r.rooms)))
	r.log.Info().Str("room", id).Str("title", req.Title).Msg("room created")
	return id, token, nil
}

// Get returns the actor for roomID, or ErrRoomNotFound.
func (r *Registry) Get(roomID string) (*Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actor, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %w", types.ErrNotFound, types.ErrRoomNotFound)
	}
	return actor, nil
}

// Delete removes roomID from the registry and stops its actor. Callers are responsible for
// closing associated WebSocket connections and upload state before or after calling Delete; the
// registry itself only owns the room map.
func (r *Registry) Delete(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	actor, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, types.ErrRoomNotFound)
	}
	actor.close()
	delete(r.rooms, roomID)
	delete(r.emptySince, roomID)
	metrics.RoomsActive.Set(float64(len(r.rooms)))
	r.log.Info().Str("room", roomID).Msg("room deleted")
	return nil
}

// ForEach calls fn for every live room actor. fn must not block for long; it is called while
// holding the registry's read lock.
func (r *Registry) ForEach(fn func(*Actor)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, actor := range r.rooms {
		fn(actor)
	}
}

// Count returns the number of rooms currently held.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// NoteClientCount records the current live-client count for roomID so the idle-cleanup loop can
// debounce deletion for 30 s after the last client leaves (§4.A).
func (r *Registry) NoteClientCount(roomID string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count > 0 {
		delete(r.emptySince, roomID)
		return
	}
	if _, tracked := r.emptySince[roomID]; !tracked {
		r.emptySince[roomID] = time.Now()
	}
}

// Start launches the background cleanup and host-inactivity-check loops. It returns immediately;
// Stop must be called to release the goroutines.
func (r *Registry) Start(ctx context.Context, clientCount func(roomID string) int) {
	r.wg.Add(2)
	go r.runCleanupLoop(ctx, clientCount)
	go r.runHostCheckLoop(ctx)
}

// Stop signals all background loops and room actors to exit and waits for them to finish.
func (r *Registry) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}

	r.mu.Lock()
	for id, actor := range r.rooms {
		actor.close()
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Registry) runCleanupLoop(ctx context.Context, clientCount func(roomID string) int) {
	defer r.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepIdleRooms(clientCount)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweepIdleRooms(clientCount func(roomID string) int) {
	now := time.Now()

	var candidates []string
	r.mu.RLock()
	for id := range r.rooms {
		if clientCount != nil && clientCount(id) > 0 {
			continue
		}
		since, tracked := r.emptySince[id]
		if !tracked || now.Sub(since) < deleteDebounce {
			continue
		}
		candidates = append(candidates, id)
	}
	r.mu.RUnlock()

	for _, id := range candidates {
		var lastActivity time.Time
		actor, err := r.Get(id)
		if err != nil {
			continue
		}
		actor.Do(func(rm *types.Room) {
			lastActivity = rm.LastActivity
		})
		if now.Sub(lastActivity) > idleDeleteAfter {
			if err := r.Delete(id); err != nil {
				r.log.Warn().Err(err).Str("room", id).Msg("idle room cleanup failed")
			} else {
				r.log.Info().Str("room", id).Msg("idle room removed by cleanup sweep")
			}
		}
	}
}

func (r *Registry) runHostCheckLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(hostCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ForEach(r.checkHostInactivity)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkHostInactivity implements §4.B's host-transfer rule: if the host hasn't heartbeated in
// hostInactiveAfter, no upload is in progress, and at least one other member is connected, the
// connected non-host member with the smallest ConnectedAt becomes host.
func (r *Registry) checkHostInactivity(actor *Actor) {
	var (
		shouldTransfer bool
		newHostToken   string
		newHostID      string
		newHostName    string
	)

	actor.Do(func(rm *types.Room) {
		if rm.Status == types.StatusEnded || len(rm.Members) == 0 {
			return
		}
		if rm.State.IsUploading {
			return
		}
		now := time.Now().UnixMilli()
		if now-rm.State.HostLastHeartbeat <= hostInactiveAfter.Milliseconds() {
			return
		}

		var oldestToken string
		var oldest *types.Member
		for token, m := range rm.Members {
			if m.IsHost || !m.Connected {
				continue
			}
			if oldest == nil || m.ConnectedAt.Before(oldest.ConnectedAt) {
				oldest = m
				oldestToken = token
			}
		}
		if oldest == nil {
			return
		}

		for _, m := range rm.Members {
			m.IsHost = false
		}
		oldest.IsHost = true
		rm.State.HostID = oldest.ExternalID
		rm.State.HostLastHeartbeat = now

		shouldTransfer = true
		newHostToken = oldestToken
		newHostID = oldest.ExternalID
		newHostName = oldest.DisplayName
	})

	if shouldTransfer && r.broadcaster != nil {
		r.broadcaster.Broadcast(actor.ID(), map[string]interface{}{
			"type":           types.MsgHostChanged,
			"newHostId":      newHostID,
			"newHostUsername": newHostName,
		})
		r.log.Info().Str("room", actor.ID()).Str("newHost", newHostToken).Msg("host transferred after inactivity")
	}
}
