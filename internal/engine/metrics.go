package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attendTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_attend_total",
		Help: "Total number of attention requests run through the engine",
	})

	attendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_attend_errors_total",
		Help: "Attention requests that failed, by kind",
	}, []string{"kind"})

	attendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_attend_duration_seconds",
		Help:    "Time spent computing one attention request",
		Buckets: prometheus.DefBuckets,
	})
)
