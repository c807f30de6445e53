package escalation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_sanction_transitions",
	Help: "Number of sanction level changes",
}, []string{"reason", "from", "to"})

var conflictCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "steward_escalation_conflicts",
	Help: "Number of escalation state writes which lost a version race",
})

var busyCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "steward_escalation_busy",
	Help: "Number of escalation updates abandoned after repeated conflicts",
})
