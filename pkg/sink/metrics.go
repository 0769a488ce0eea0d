package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sink_stream_entries_total",
	Help: "Stream entries by disposition (recorded, duplicate, malformed, audit_error).",
}, []string{"stream", "disposition"})
