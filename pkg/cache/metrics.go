package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candidate_cache_hits_total",
		Help: "Candidate cache hits.",
	})
	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candidate_cache_misses_total",
		Help: "Candidate cache misses (loaded through to storage).",
	})
	invalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candidate_cache_invalidations_total",
		Help: "Cache invalidations applied, by scope.",
	}, []string{"scope"})
)
