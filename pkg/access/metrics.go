package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "access_attempts_total",
		Help: "Registered attempts by pipeline result (including idempotent_hit).",
	}, []string{"result"})

	phaseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "access_pipeline_phase_seconds",
		Help:    "Duration of pipeline phases.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	decisionReasonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decision_reasons_total",
		Help: "Abnormal decision buckets (e.g. engine_null).",
	}, []string{"bucket"})

	reasonFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decision_reason_fallback_total",
		Help: "Decisions whose reason code fell back to POLICY_ERROR.",
	})

	commandGapTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "access_command_gap_total",
		Help: "Pipeline runs where the engine suggested a command but persistence failed.",
	})

	callbackOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "command_callback_outcomes_total",
		Help: "Command callback dispositions (applied, duplicate, late).",
	}, []string{"outcome"})
)
