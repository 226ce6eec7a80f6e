package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsGauge tracks idle and busy sessions
	sessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbre_pool_sessions",
		Help: "Engine sessions held by the pool, by state",
	}, []string{"state"})

	// spawnsTotal counts spawn attempts by result
	spawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbre_pool_spawns_total",
		Help: "Engine session spawn attempts by result",
	}, []string{"result"})

	retiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbre_pool_retired_total",
		Help: "Dead engine sessions removed from the pool",
	})
)
