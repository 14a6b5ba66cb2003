package room

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"watchparty/pkg/types"
)

// tokenBytes is the amount of cryptographic randomness backing each membership token (§3: "≥32
// bytes of cryptographic randomness, URL-safe base64").
const tokenBytes = 32

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}

func newOpaqueID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}

// GenerateUserToken returns the existing token for externalID if one is already minted for this
// room (idempotent re-join, §3/§4.B), otherwise mints and stores a fresh one.
func GenerateUserToken(actor *Actor, externalID, displayName string) (string, error) {
	var (
		token string
		err   error
	)

	actor.Do(func(rm *types.Room) {
		for tok, m := range rm.Members {
			if m.ExternalID == externalID {
				token = tok
				if displayName != "" {
					m.DisplayName = displayName
				}
				return
			}
		}

		if len(rm.Members) >= types.MaxClientsPerRoom {
			err = fmt.Errorf("%w: %s", types.ErrConflict, types.ErrRoomFull)
			return
		}

		newTok, genErr := newToken()
		if genErr != nil {
			err = types.WrapInfra(genErr)
			return
		}

		rm.Members[newTok] = &types.Member{
			ExternalID:  externalID,
			DisplayName: displayName,
		}
		token = newTok
	})

	return token, err
}

// ValidateToken returns the Member for token in roomID's member map, or ErrInvalidToken.
func ValidateToken(actor *Actor, token string) (*types.Member, error) {
	var (
		member *types.Member
		found  bool
	)

	actor.Do(func(rm *types.Room) {
		m, ok := rm.Members[token]
		if !ok {
			return
		}
		found = true
		// Return a copy so the caller cannot mutate shared state outside the mailbox.
		mcopy := *m
		member = &mcopy
	})

	if !found {
		return nil, fmt.Errorf("%w: %w", types.ErrForbidden, types.ErrInvalidToken)
	}
	return member, nil
}

// IsHostByToken reports whether token identifies the room's current host.
func IsHostByToken(actor *Actor, token string) bool {
	var isHost bool
	actor.Do(func(rm *types.Room) {
		if m, ok := rm.Members[token]; ok {
			isHost = m.IsHost
		}
	})
	return isHost
}

// IsHostAuthorized reports whether the caller is authorized to act as host, either via a token
// that names the current host member (Discord-bound rooms) or via a hostId parameter that
// matches the room's non-token HostID (simple, non-Discord rooms). §4.C specifies both paths:
// "Discord-bound rooms require a valid token whose member is the host; simple rooms require a
// matching hostId."
func IsHostAuthorized(actor *Actor, token, hostID string) bool {
	var authorized bool
	actor.Do(func(rm *types.Room) {
		if rm.IsDiscordBound() {
			if m, ok := rm.Members[token]; ok && m.IsHost {
				authorized = true
			}
			return
		}
		if hostID != "" && hostID == rm.State.HostID {
			authorized = true
		}
	})
	return authorized
}

// MarkConnected flips a member's Connected flag and bumps the room's LastActivity, called on
// WebSocket upgrade (§3: "promoted to connected=true on first WebSocket").
func MarkConnected(actor *Actor, token string, connected bool) {
	actor.Do(func(rm *types.Room) {
		if m, ok := rm.Members[token]; ok {
			m.Connected = connected
			if connected && m.ConnectedAt.IsZero() {
				m.ConnectedAt = time.Now()
			}
		}
		rm.LastActivity = time.Now()
	})
}

// RecordHostHeartbeat bumps HostLastHeartbeat to now. Called on any accepted host command and on
// dedicated host-heartbeat messages (§4.B).
func RecordHostHeartbeat(actor *Actor) {
	actor.Do(func(rm *types.Room) {
		rm.State.HostLastHeartbeat = time.Now().UnixMilli()
	})
}

// ConnectedMemberCount returns the number of members with Connected=true.
func ConnectedMemberCount(actor *Actor) int {
	var count int
	actor.Do(func(rm *types.Room) {
		for _, m := range rm.Members {
			if m.Connected {
				count++
			}
		}
	})
	return count
}
