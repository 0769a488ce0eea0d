package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	zoneFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_zone_fallback_total",
		Help: "Zone resolutions that fell back to UTC.",
	})
	malformedWindowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_malformed_window_total",
		Help: "Rules skipped because their daily window was malformed.",
	})
	noCandidatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_no_candidates_total",
		Help: "Evaluations that found an empty candidate set.",
	})
)
