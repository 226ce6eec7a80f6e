package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// searchDuration measures computations including a crash retry
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbre_search_duration_seconds",
		Help:    "Time spent computing an evaluation",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// searchTotal counts computations by result: ok, cancelled, crashed, error
	searchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbre_search_total",
		Help: "Evaluation computations by result",
	}, []string{"result"})
)
