package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markscan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Extraction request metrics
	extractRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_extract_requests_total",
			Help: "Total number of extraction requests",
		},
		[]string{"source", "status"}, // source: http, websocket
	)

	imagesPerRequest = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markscan_images_per_request",
			Help:    "Number of images submitted per extraction request",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	duplicatesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_duplicates_discarded_total",
			Help: "Candidates dropped because the session already holds their student ID",
		},
		[]string{"stage"}, // stage: review, commit
	)

	recordsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "markscan_records_committed_total",
			Help: "Records appended to sessions",
		},
	)

	// Sheet metering
	sheetsCharged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "markscan_sheets_charged_total",
			Help: "Sheets admitted by the per-client limiter",
		},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_rate_limit_hits_total",
			Help: "Extraction requests refused by the per-client limiter",
		},
		[]string{"window"}, // window: minute, day
	)

	// File upload metrics
	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markscan_upload_size_bytes",
			Help:    "Size of uploaded images in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024, 50 * 1024 * 1024},
		},
	)

	// WebSocket metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markscan_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: sent, received
	)
)
