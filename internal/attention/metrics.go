package attention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fastpathAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_fastpath_attempts_total",
		Help: "Total number of attention calls offered to a fast-path kernel",
	}, []string{"kernel"})

	fastpathDeclines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_fastpath_declines_total",
		Help: "Total number of fast-path declines recovered by the manual path",
	}, []string{"kernel"})

	fastpathFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_fastpath_failures_total",
		Help: "Total number of fatal fast-path errors propagated to callers",
	}, []string{"kernel"})
)
