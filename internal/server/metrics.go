package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharenest",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sharenest",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharenest",
			Name:      "uploads_total",
			Help:      "Finalized uploads by path (stream, direct, multipart).",
		},
		[]string{"path"},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharenest",
			Name:      "downloads_total",
			Help:      "Download attempts by result.",
		},
		[]string{"result"},
	)

	deletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharenest",
			Name:      "deletions_total",
			Help:      "Reconciled deletions by outcome category.",
		},
		[]string{"result"},
	)

	cleanupRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharenest",
			Name:      "cleanup_runs_total",
			Help:      "Completed cleanup runs.",
		},
	)
)
