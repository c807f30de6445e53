package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_actions_submitted",
	Help: "Number of moderation actions accepted for dispatch",
}, []string{"kind"})

var actionsDone = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_actions_done",
	Help: "Number of moderation actions performed, by outcome",
}, []string{"kind", "outcome"})

var actionsOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_actions_overflow",
	Help: "Number of actions rejected or dropped because a queue was full",
}, []string{"policy"})

var actionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_action_retries",
	Help: "Number of adapter call retries",
}, []string{"kind"})

var actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "steward_action_duration_sec",
	Help:    "Time from submission to completion of an action, including rate limit waits",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
}, []string{"kind"})

var queuedActions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "steward_actions_queued",
	Help: "Number of actions waiting in per-user queues",
})
