package cachestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_cache_lookups",
	Help: "Cache lookups by namespace and result (hit, miss, corrupt)",
}, []string{"name", "result"})

var memCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "steward_cache_mem_evictions",
	Help: "Entries removed from the in-process cache",
})
