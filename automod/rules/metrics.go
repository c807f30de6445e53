package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ruleFireCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_rule_violations",
	Help: "Number of times each rule fired",
}, []string{"rule"})

var ruleErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_rule_errors",
	Help: "Number of rule evaluations which panicked",
}, []string{"rule"})
