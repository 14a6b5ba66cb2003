package rating

import (
	"testing"

	"watchparty/internal/room"
	"watchparty/pkg/types"
)

func newTestRoomWithMember(t *testing.T) (*room.Actor, string) {
	t.Helper()
	registry := room.NewRegistry(room.Config{}, nil)
	roomID, hostToken, err := registry.Create(&types.CreateRoomRequest{
		Title:     "movie night",
		MovieName: "Arrival",
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
	return actor, hostToken
}

func TestAdd_UpsertsByExternalID(t *testing.T) {
	actor, hostToken := newTestRoomWithMember(t)
	c := NewCollector(nil)

	if _, err := c.Add(actor, hostToken, 8); err != nil {
		t.Fatalf("Add: %v", err)
	}
	proj, err := c.Add(actor, hostToken, 5)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if len(proj.Ratings) != 1 {
		t.Fatalf("Ratings = %v, want exactly one entry after upsert", proj.Ratings)
	}
	if proj.Ratings[0].Value != 5 {
		t.Errorf("Ratings[0].Value = %d, want 5", proj.Ratings[0].Value)
	}
}

func TestAdd_AllRatedWhenSoleConnectedMemberRates(t *testing.T) {
	actor, hostToken := newTestRoomWithMember(t)
	room.MarkConnected(actor, hostToken, true)
	c := NewCollector(nil)

	proj, err := c.Add(actor, hostToken, 10)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !proj.AllRated {
		t.Error("AllRated = false, want true once the only connected member has rated")
	}
	if proj.Average != 10 {
		t.Errorf("Average = %v, want 10", proj.Average)
	}
}

func TestAdd_RejectsOutOfRangeValue(t *testing.T) {
	actor, hostToken := newTestRoomWithMember(t)
	c := NewCollector(nil)

	if _, err := c.Add(actor, hostToken, 0); err == nil {
		t.Error("expected rejection for rating below range")
	}
	if _, err := c.Add(actor, hostToken, 11); err == nil {
		t.Error("expected rejection for rating above range")
	}
}

func TestAdd_RejectsInvalidToken(t *testing.T) {
	actor, _ := newTestRoomWithMember(t)
	c := NewCollector(nil)

	if _, err := c.Add(actor, "not-a-token", 5); err == nil {
		t.Error("expected rejection for unknown token")
	}
}
