// Package rating implements the end-of-session rating collector (§4.I): upsert-by-externalId,
// average computation, and the rating-received/all-ratings-received broadcast pair.
package rating

import (
	"fmt"

	"watchparty/internal/room"
	"watchparty/internal/status"
	"watchparty/pkg/interfaces"
	"watchparty/pkg/types"
)

// Collector owns no room state of its own; it mutates ratings through the room's actor and
// projects the result via internal/status.
type Collector struct {
	broadcaster interfaces.Broadcaster
}

// NewCollector constructs a Collector. broadcaster may be nil in tests exercising only the
// upsert/projection path.
func NewCollector(broadcaster interfaces.Broadcaster) *Collector {
	return &Collector{broadcaster: broadcaster}
}

// Add upserts a rating for token's member, keyed by externalId, and broadcasts rating-received
// followed by all-ratings-received once every connected member has rated (§4.I).
func (c *Collector) Add(actor *room.Actor, token string, value int) (types.SessionStatus, error) {
	if value < 1 || value > 10 {
		return types.SessionStatus{}, fmt.Errorf("%w: %s", types.ErrValidation, types.ErrRatingOutOfRange)
	}

	member, err := room.ValidateToken(actor, token)
	if err != nil {
		return types.SessionStatus{}, err
	}

	var proj types.SessionStatus
	actor.Do(func(r *types.Room) {
		found := false
		for i := range r.Ratings {
			if r.Ratings[i].ExternalID == member.ExternalID {
				r.Ratings[i].Value = value
				found = true
				break
			}
		}
		if !found {
			r.Ratings = append(r.Ratings, types.Rating{ExternalID: member.ExternalID, Value: value})
		}
		proj = status.Project(r)
	})

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(actor.ID(), map[string]interface{}{
			"type":    types.MsgRatingReceived,
			"ratings": proj.Ratings,
		})
		if proj.AllRated {
			c.broadcaster.Broadcast(actor.ID(), map[string]interface{}{
				"type":    types.MsgAllRatingsReceived,
				"ratings": proj.Ratings,
				"average": proj.Average,
			})
		}
	}

	return proj, nil
}
