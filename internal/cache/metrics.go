package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// requestsTotal counts lookups by outcome: hit, miss, joined, store_hit
var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbre_cache_requests_total",
	Help: "Evaluation cache lookups by result",
}, []string{"result"})
