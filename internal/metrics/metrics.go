// Package metrics exposes the Prometheus collectors scraped from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_rooms_active",
		Help: "Number of rooms currently held in the registry.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_ws_connections",
		Help: "Number of live WebSocket connections across all rooms.",
	})

	UploadsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_uploads_in_progress",
		Help: "Number of chunked uploads currently accepting chunks.",
	})

	AdmissionDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_admission_denied_total",
		Help: "Total requests or connections rejected by the admission layer, by reason.",
	}, []string{"reason"})

	SyncTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_sync_ticks_total",
		Help: "Total periodic sync ticks broadcast across all rooms that have not ended (playing and paused).",
	})

	UploadChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_upload_chunks_total",
		Help: "Total upload chunks received, by outcome.",
	}, []string{"outcome"})

	MediaProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchparty_media_probe_duration_seconds",
		Help:    "Wall-clock time spent running ffprobe against an uploaded file.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	MediaTranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchparty_media_transcode_duration_seconds",
		Help:    "Wall-clock time spent running ffmpeg to normalize audio to AAC.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_http_requests_total",
		Help: "Total HTTP API requests handled, by route and status class.",
	}, []string{"route", "status_class"})
)
