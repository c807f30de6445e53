package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "steward_event_duration_sec",
	Help: "Total duration of event processing",
}, []string{"type"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_event_processed",
	Help: "Number of events processed",
}, []string{"type"})

var eventErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_event_errors",
	Help: "Number of events which failed processing",
}, []string{"type"})

var duplicateCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_event_duplicates",
	Help: "Number of redelivered events skipped",
}, []string{"type"})

var commandCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_commands",
	Help: "Number of chat commands handled, by command and outcome",
}, []string{"command", "outcome"})

var reloadCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_rule_reloads",
	Help: "Number of policy reloads",
}, []string{"outcome"})

var historyErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "steward_moderation_history_errors",
	Help: "Number of failed writes to the moderation history",
})
