package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tessara/accesscore/pkg/store"
)

var (
	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatched_total",
		Help: "Dispatch outcomes (published, retried, dead_lettered, parked, lost_ownership).",
	}, []string{"outcome"})

	deliveryLagSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_delivery_lag_seconds",
		Help:    "Time from row creation to successful publish.",
		Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800},
	})

	locksReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_locks_released_total",
		Help: "Expired claims cleared by the janitor.",
	})

	streamCopyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_stream_copy_errors_total",
		Help: "Failed copies of terminal rows to the redis streams.",
	})

	depthPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_depth_pending",
		Help: "PENDING rows.",
	})
	depthPublished = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_depth_published",
		Help: "PUBLISHED rows.",
	})
	depthFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_depth_failed",
		Help: "FAILED rows.",
	})
	depthInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_depth_inflight",
		Help: "PENDING rows currently claimed.",
	})
	depthReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_depth_ready",
		Help: "PENDING rows due and unclaimed.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest PENDING row.",
	})
	oldestReadyAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_oldest_ready_age_seconds",
		Help: "Age of the oldest due unclaimed row.",
	})
	oldestInflightAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_oldest_inflight_age_seconds",
		Help: "Age of the oldest live claim.",
	})
)

func observeDepths(d store.Depths) {
	depthPending.Set(float64(d.Pending))
	depthPublished.Set(float64(d.Published))
	depthFailed.Set(float64(d.Failed))
	depthInflight.Set(float64(d.Inflight))
	depthReady.Set(float64(d.Ready))
	oldestPendingAge.Set(d.OldestPendingSec)
	oldestReadyAge.Set(d.OldestReadySec)
	oldestInflightAge.Set(d.OldestInflight)
}
