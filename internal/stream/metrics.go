package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telescope_stream_frames_total",
			Help: "Frames delivered per camera stream",
		},
		[]string{"camera"},
	)

	streamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telescope_stream_errors_total",
			Help: "Frame capture errors per camera stream",
		},
		[]string{"camera"},
	)

	frameDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telescope_stream_frame_seconds",
			Help:    "Wall time per delivered frame",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"camera"},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telescope_streams_active",
			Help: "Currently active MJPEG streams",
		},
	)
)
