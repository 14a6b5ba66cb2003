// Package app wires every component into a running process (§10 Lifecycle): Config → Logger →
// WS Registry → Room Registry → Media Post-Processor → Upload Engine → Sync Engine → Rating
// Collector/Streamer → WS Hub → HTTP API (with Admission as middleware) → HTTP server, generalizing the teacher's internal/app/application.go wiring order to
// this module's component list.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"watchparty/internal/api"
	"watchparty/internal/config"
	"watchparty/internal/media"
	"watchparty/internal/rating"
	"watchparty/internal/room"
	"watchparty/internal/stream"
	"watchparty/internal/sync"
	"watchparty/internal/upload"
	"watchparty/internal/wplog"
	"watchparty/internal/ws"
)

// Application owns every long-lived component and coordinates their startup and shutdown order.
type Application struct {
	cfg *config.Config

	rooms      *room.Registry
	uploads    *upload.Engine
	processor  *media.Processor
	syncEngine *sync.Engine
	wsRegistry *ws.Registry
	wsHandler  *ws.Handler
	ratings    *rating.Collector
	streamer   *stream.Handler
	apiServer  *api.Server

	httpServer *http.Server
}

// NewApplication constructs every component in dependency order and wires the HTTP server around
// the resulting api.Server. It does not start any background loop or listener; call Start for that.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	wplog.Configure(wplog.Config{Level: cfg.Log.Level, Service: "watchparty"})
	log := wplog.WithComponent("app")

	// STEP 1: WebSocket fan-out registry — created first since the room registry and upload
	// engine both broadcast through it (§4.F is the shared Broadcaster every other component
	// depends on, not a consumer of them).
	wsRegistry := ws.NewRegistry()

	// STEP 2: Room Registry (§4.A/§4.B).
	rooms := room.NewRegistry(room.Config{MaxClientsPerRoom: cfg.Room.MaxClientsPerRoom}, wsRegistry)

	// STEP 3: Media Post-Processor, wired as the Upload Engine's completion callback (§4.D).
	processor := media.NewProcessor(cfg.Uploads.Dir, rooms, wsRegistry)

	// STEP 4: Upload Engine (§4.C), handing completed uploads to the post-processor.
	uploads := upload.NewEngine(cfg.Uploads.Dir, wsRegistry, processor.Process)

	// STEP 5: Sync Protocol Engine (§4.E).
	syncEngine := sync.NewEngine(rooms, wsRegistry)

	// STEP 6: Rating Collector and HTTP Streaming (§4.I, §4.G) — stateless, ready once their
	// dependencies exist.
	ratings := rating.NewCollector(wsRegistry)
	streamer := stream.NewHandler(rooms, cfg.Uploads.Dir)

	// STEP 7: WS Hub (§4.F) — dispatches inbound frames into sync/rating/status.
	wsHandler := ws.NewHandler(wsRegistry, rooms, uploads, syncEngine, ratings)

	// STEP 8: HTTP API (§6), with Admission (§4.H) composed in as route-table middleware.
	apiServer := api.NewServer(cfg, rooms, uploads, syncEngine, ratings, streamer, wsHandler, wsRegistry)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // video streaming responses can run far longer than a fixed write timeout allows
	}

	log.Info().Int("port", cfg.HTTP.Port).Msg("application wired")

	return &Application{
		cfg:        cfg,
		rooms:      rooms,
		uploads:    uploads,
		processor:  processor,
		syncEngine: syncEngine,
		wsRegistry: wsRegistry,
		wsHandler:  wsHandler,
		ratings:    ratings,
		streamer:   streamer,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start launches every background loop (room cleanup/host-check, upload handle sweep/GC, sync
// tick) and then the HTTP listener. It returns the listener's error if it fails within the first
// 100 ms, and nil otherwise.
func (a *Application) Start(ctx context.Context) error {
	log := wplog.WithComponent("app")
	log.Info().Str("addr", a.httpServer.Addr).Msg("starting application")

	a.rooms.Start(ctx, a.wsRegistry.CountConnections)
	a.uploads.Start()
	a.syncEngine.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		a.stopBackgroundLoops()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Info().Msg("application started")
		return nil
	case <-ctx.Done():
		a.stopBackgroundLoops()
		return ctx.Err()
	}
}

// Stop gracefully shuts down the HTTP server, then every background loop, in reverse dependency
// order from Start (§5 "On graceful shutdown: close all WebSockets ... stop accepting new HTTP,
// drain in-flight, force-exit after 10 s" — the force-exit half is the caller's responsibility via
// ctx's deadline, applied in cmd/watchparty/main.go).
func (a *Application) Stop(ctx context.Context) error {
	log := wplog.WithComponent("app")
	log.Info().Msg("shutting down application")

	a.rooms.ForEach(func(actor *room.Actor) {
		a.wsRegistry.CloseRoom(actor.ID(), 1001, "server shutting down") // 1001: going away
	})

	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	a.stopBackgroundLoops()

	log.Info().Msg("application shutdown complete")
	return nil
}

func (a *Application) stopBackgroundLoops() {
	a.syncEngine.Stop()
	a.uploads.Stop()
	a.rooms.Stop()
}

// Addr returns the HTTP server's listen address.
func (a *Application) Addr() string {
	return a.httpServer.Addr
}
