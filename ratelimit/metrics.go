package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var waitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_ratelimit_waits",
	Help: "Number of acquisitions which waited for a token",
}, []string{"scope"})

var rejectCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_ratelimit_rejections",
	Help: "Number of acquisitions refused because no token was available in time",
}, []string{"scope"})
