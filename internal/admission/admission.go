// Package admission implements the per-IP rate limiter, CORS middleware, and per-room
// capacity/bandwidth check described in §4.H. The per-IP limiter is grounded on the upstream
// pack's httprate-based middleware; the CORS behavior mirrors its permissive-when-empty
// allow-list convention.
package admission

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"watchparty/pkg/types"
)

const (
	perIPWindow = 60 * time.Second

	fixedDurationSeconds = 7200.0
	minBitrateMbps       = 2.0
	maxBitrateMbps       = 50.0
	fallbackBitrateMbps  = 15.0
)

// EstimatedBitrateMbps implements §4.H's admission bandwidth heuristic: fileSize*8 over a fixed
// 7200s reference duration, clamped to [2, 50] Mbps, or a flat 15 Mbps fallback when the file's
// size is not yet known (upload still in progress).
func EstimatedBitrateMbps(fileSize int64, hasFile bool) float64 {
	if !hasFile {
		return fallbackBitrateMbps
	}
	mbps := float64(fileSize) * 8 / fixedDurationSeconds / 1e6
	if mbps < minBitrateMbps {
		return minBitrateMbps
	}
	if mbps > maxBitrateMbps {
		return maxBitrateMbps
	}
	return mbps
}

// CheckRoomCapacity reports whether one more client may be admitted to a room currently holding
// currentClients live connections, per the combined client-count and bandwidth ceilings in §3 and
// §4.H.
func CheckRoomCapacity(currentClients int, fileSize int64, hasFile bool) bool {
	if currentClients+1 > types.MaxClientsPerRoom {
		return false
	}
	bitrate := EstimatedBitrateMbps(fileSize, hasFile)
	return float64(currentClients+1)*bitrate <= types.MaxRoomBandwidthMbps
}

// PerIPRateLimit enforces a requestLimit-per-60s/IP cap (§4.H's default is 120, configurable via
// ADMISSION_RPS), exempting every path under /api/upload/ (chunk writes as well as init, status,
// complete, abort and subtitle requests).
func PerIPRateLimit(requestLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := httprate.Limit(
			requestLimit,
			perIPWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(tooManyRequests),
		)(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/upload/") {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"validation"}`))
}

// CORS returns middleware permissive by default (empty allowedOrigins or a literal "*") and
// allow-listed otherwise, mirroring the upstream pack's CORS convention.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	permissive := len(allowedOrigins) == 0 || allowed["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin != "" && (permissive || allowed[origin]):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			case origin == "" && permissive:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Filename")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
