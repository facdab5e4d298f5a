package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "campaign_transitions_total",
			Help:      "Campaign status transitions applied by the engine.",
		},
		[]string{"to"},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "messages_total",
			Help:      "Recipient send outcomes.",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering a template to one recipient.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	activeExecutors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "active_executors",
			Help:      "Campaign executors currently running in this process.",
		},
	)

	executorFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "executor_failures_total",
			Help:      "Executors that stopped on a persistence error.",
		},
	)
)
