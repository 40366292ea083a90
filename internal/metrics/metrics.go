package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kull",
		Subsystem: "batch",
		Name:      "jobs_submitted_total",
		Help:      "Batch jobs accepted, by provider and mode.",
	}, []string{"provider", "mode"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kull",
		Subsystem: "batch",
		Name:      "jobs_finished_total",
		Help:      "Batch jobs reaching a terminal status.",
	}, []string{"provider", "mode", "status"})

	ImagesRated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kull",
		Subsystem: "batch",
		Name:      "images_rated_total",
		Help:      "Images rated, by provider.",
	}, []string{"provider"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kull",
		Subsystem: "provider",
		Name:      "request_seconds",
		Help:      "Latency of outbound provider calls.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
	}, []string{"provider", "operation"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kull",
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency by route and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	PanicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kull",
		Subsystem: "http",
		Name:      "panics_recovered_total",
		Help:      "Handler panics turned into 500 responses, by route.",
	}, []string{"route"})

	SocketsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kull",
		Subsystem: "sync",
		Name:      "sockets_connected",
		Help:      "WebSocket connections currently registered.",
	})

	ScriptFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kull",
		Subsystem: "chat",
		Name:      "script_flags_total",
		Help:      "Sales chat responses flagged by the script validator.",
	}, []string{"flag"})
)
