package sync

import (
	"testing"

	"watchparty/internal/room"
	"watchparty/pkg/types"
)

func newTestRoom(t *testing.T) (*room.Registry, *room.Actor, string) {
	t.Helper()
	registry := room.NewRegistry(room.Config{}, nil)
	roomID, hostToken, err := registry.Create(&types.CreateRoomRequest{
		Title:     "movie night",
		MovieName: "Interstellar",
		DiscordSession: &types.DiscordSession{
			ChannelID:     "chan-1",
			GuildID:       "guild-1",
			HostDiscordID: "host-1",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	actor, err := registry.Get(roomID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	t.Cleanup(registry.Stop)
	return registry, actor, hostToken
}

func TestApplyHostCommand_AcceptsFirstPlayAndTransitionsStatus(t *testing.T) {
	_, actor, hostToken := newTestRoom(t)
	e := NewEngine(nil, nil)

	cmd := &types.HostCommand{Type: types.MsgPlay, CurrentTime: 0, Seq: 1}
	if err := e.ApplyHostCommand(actor, hostToken, cmd); err != nil {
		t.Fatalf("ApplyHostCommand: %v", err)
	}

	var status types.RoomStatus
	var playing bool
	actor.Do(func(r *types.Room) {
		status = r.Status
		playing = r.State.IsPlaying
	})
	if status != types.StatusPlaying {
		t.Errorf("status = %s, want playing", status)
	}
	if !playing {
		t.Error("isPlaying = false, want true")
	}
}

func TestApplyHostCommand_RejectsStaleSequence(t *testing.T) {
	_, actor, hostToken := newTestRoom(t)
	e := NewEngine(nil, nil)

	if err := e.ApplyHostCommand(actor, hostToken, &types.HostCommand{Type: types.MsgPlay, Seq: 5}); err != nil {
		t.Fatalf("first command: %v", err)
	}
	err := e.ApplyHostCommand(actor, hostToken, &types.HostCommand{Type: types.MsgPause, Seq: 5})
	if err == nil {
		t.Fatal("expected stale sequence to be rejected")
	}
}

func TestApplyHostCommand_RejectsNonHost(t *testing.T) {
	_, actor, _ := newTestRoom(t)
	e := NewEngine(nil, nil)

	err := e.ApplyHostCommand(actor, "not-a-real-token", &types.HostCommand{Type: types.MsgPlay, Seq: 1})
	if err == nil {
		t.Fatal("expected forbidden error for non-host token")
	}
}

func TestApplyHostCommand_RejectsOnEndedRoom(t *testing.T) {
	_, actor, hostToken := newTestRoom(t)
	e := NewEngine(nil, nil)

	actor.Do(func(r *types.Room) { r.Status = types.StatusEnded })

	err := e.ApplyHostCommand(actor, hostToken, &types.HostCommand{Type: types.MsgPlay, Seq: 1})
	if err == nil {
		t.Fatal("expected ended session to reject host commands")
	}
}

func TestPersonalSyncFrame_ReflectsElapsedTimeWhilePlaying(t *testing.T) {
	_, actor, hostToken := newTestRoom(t)
	e := NewEngine(nil, nil)

	if err := e.ApplyHostCommand(actor, hostToken, &types.HostCommand{Type: types.MsgPlay, CurrentTime: 10, Seq: 1}); err != nil {
		t.Fatalf("ApplyHostCommand: %v", err)
	}

	frame := PersonalSyncFrame(actor)
	if frame["isPlaying"] != true {
		t.Errorf("isPlaying = %v, want true", frame["isPlaying"])
	}
	if ct, ok := frame["currentTime"].(float64); !ok || ct < 10 {
		t.Errorf("currentTime = %v, want >= 10", frame["currentTime"])
	}
}
