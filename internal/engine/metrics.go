package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	extractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_extractions_total",
			Help: "Total number of single-image extractions",
		},
		[]string{"engine", "status"}, // status: ok or an error kind
	)

	extractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markscan_extraction_duration_seconds",
			Help:    "Single-image extraction duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 25, 50},
		},
		[]string{"engine"},
	)

	candidatesExtracted = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markscan_candidates_per_image",
			Help:    "Number of validated candidates returned per image",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"engine"},
	)

	detectorInitAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "markscan_detector_init_attempts_total",
			Help: "Number of on-device detector initialization attempts",
		},
	)
)
