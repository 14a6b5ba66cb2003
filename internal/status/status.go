// Package status projects a Room into the read-only SessionStatus view sent to clients and the
// bot (§4.J). It holds no state of its own; every call is a pure function of the room snapshot
// the caller passes in, typically from inside that room's actor.Do callback.
package status

import "watchparty/pkg/types"

// Project builds the SessionStatus view of r. Callers normally invoke this from inside a room
// actor's Do callback so the returned snapshot is internally consistent.
func Project(r *types.Room) types.SessionStatus {
	connected := make(map[string]bool, len(r.Members))
	viewers := make([]types.Viewer, 0, len(r.Members))

	for _, m := range r.Members {
		if !m.Connected {
			continue
		}
		connected[m.ExternalID] = true
		viewers = append(viewers, types.Viewer{
			ExternalID: m.ExternalID,
			Username:   m.DisplayName,
			Ping:       m.LastPingMs,
		})
	}

	ratings := make([]types.Rating, len(r.Ratings))
	copy(ratings, r.Ratings)

	rated := make(map[string]bool, len(ratings))
	for _, rt := range ratings {
		rated[rt.ExternalID] = true
	}

	allRated := len(connected) > 0
	for externalID := range connected {
		if !rated[externalID] {
			allRated = false
			break
		}
	}

	var average float64
	if len(ratings) > 0 {
		var sum int
		for _, rt := range ratings {
			sum += rt.Value
		}
		average = roundTo1(float64(sum) / float64(len(ratings)))
	}

	return types.SessionStatus{
		Status:      r.Status,
		ViewerCount: len(connected),
		Viewers:     viewers,
		Ratings:     ratings,
		Average:     average,
		AllRated:    allRated,
		MovieInfo:   r.MovieInfo,
		MovieName:   r.MovieName,
	}
}

func roundTo1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
