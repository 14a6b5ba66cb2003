package room

import (
	"errors"
	"testing"

	"watchparty/pkg/types"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	rm := &types.Room{
		ID:      "room-1",
		Members: make(map[string]*types.Member),
		Status:  types.StatusWaiting,
	}
	a := newActor(rm)
	go a.run()
	t.Cleanup(a.close)
	return a
}

func TestGenerateUserToken_IsIdempotentPerExternalID(t *testing.T) {
	a := newTestActor(t)

	tok1, err := GenerateUserToken(a, "user-1", "Alice")
	if err != nil {
		t.Fatalf("GenerateUserToken() error = %v", err)
	}
	tok2, err := GenerateUserToken(a, "user-1", "Alice (renamed)")
	if err != nil {
		t.Fatalf("GenerateUserToken() second call error = %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("token changed across idempotent calls: %q vs %q", tok1, tok2)
	}

	member, err := ValidateToken(a, tok1)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if member.DisplayName != "Alice (renamed)" {
		t.Errorf("DisplayName = %q, want updated value", member.DisplayName)
	}
}

func TestGenerateUserToken_DistinctUsersGetDistinctTokens(t *testing.T) {
	a := newTestActor(t)

	tok1, _ := GenerateUserToken(a, "user-1", "Alice")
	tok2, _ := GenerateUserToken(a, "user-2", "Bob")
	if tok1 == tok2 {
		t.Error("distinct externalIDs should receive distinct tokens")
	}
}

func TestGenerateUserToken_RejectsWhenRoomFull(t *testing.T) {
	a := newTestActor(t)
	for i := 0; i < types.MaxClientsPerRoom; i++ {
		if _, err := GenerateUserToken(a, string(rune('a'+i)), "x"); err != nil {
			t.Fatalf("unexpected error filling room: %v", err)
		}
	}

	_, err := GenerateUserToken(a, "overflow", "x")
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("GenerateUserToken() on full room error = %v, want ErrConflict", err)
	}
}

func TestValidateToken_RejectsUnknownToken(t *testing.T) {
	a := newTestActor(t)
	_, err := ValidateToken(a, "does-not-exist")
	if !errors.Is(err, types.ErrForbidden) {
		t.Errorf("ValidateToken() error = %v, want ErrForbidden", err)
	}
}

func TestIsHostAuthorized_DiscordBoundRequiresHostToken(t *testing.T) {
	rm := &types.Room{
		ID:             "room-1",
		Members:        make(map[string]*types.Member),
		DiscordSession: &types.DiscordSession{ChannelID: "c", GuildID: "g", HostDiscordID: "h"},
	}
	a := newActor(rm)
	go a.run()
	t.Cleanup(a.close)

	hostTok, _ := GenerateUserToken(a, "host-1", "Host")
	a.Do(func(r *types.Room) { r.Members[hostTok].IsHost = true })
	viewerTok, _ := GenerateUserToken(a, "viewer-1", "Viewer")

	if !IsHostAuthorized(a, hostTok, "") {
		t.Error("host token should be authorized")
	}
	if IsHostAuthorized(a, viewerTok, "") {
		t.Error("viewer token should not be authorized")
	}
}

func TestIsHostAuthorized_SimpleRoomRequiresMatchingHostID(t *testing.T) {
	a := newTestActor(t)
	a.Do(func(r *types.Room) { r.State.HostID = "host-123" })

	if !IsHostAuthorized(a, "", "host-123") {
		t.Error("matching hostId should be authorized on a simple room")
	}
	if IsHostAuthorized(a, "", "someone-else") {
		t.Error("mismatched hostId should not be authorized")
	}
}

func TestMarkConnected_SetsConnectedAtOnce(t *testing.T) {
	a := newTestActor(t)
	tok, _ := GenerateUserToken(a, "user-1", "Alice")

	MarkConnected(a, tok, true)
	var firstConnectedAt, secondConnectedAt int64
	a.Do(func(r *types.Room) { firstConnectedAt = r.Members[tok].ConnectedAt.UnixNano() })

	MarkConnected(a, tok, true)
	a.Do(func(r *types.Room) { secondConnectedAt = r.Members[tok].ConnectedAt.UnixNano() })

	if firstConnectedAt != secondConnectedAt {
		t.Error("ConnectedAt should not change once set")
	}
}

func TestConnectedMemberCount(t *testing.T) {
	a := newTestActor(t)
	tok1, _ := GenerateUserToken(a, "user-1", "Alice")
	tok2, _ := GenerateUserToken(a, "user-2", "Bob")

	MarkConnected(a, tok1, true)
	if got := ConnectedMemberCount(a); got != 1 {
		t.Errorf("ConnectedMemberCount() = %d, want 1", got)
	}

	MarkConnected(a, tok2, true)
	if got := ConnectedMemberCount(a); got != 2 {
		t.Errorf("ConnectedMemberCount() = %d, want 2", got)
	}
}
