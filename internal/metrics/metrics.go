// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopcollector_submissions_total",
		Help: "Submission attempts by outcome",
	}, []string{"outcome"})
	SubmissionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shopcollector_submission_duration_ms",
		Help:    "Round trip to the collection endpoint in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopcollector_offline_cache_total",
		Help: "GET requests handled by the offline cache, by result (network, hit, miss, bypass)",
	}, []string{"result"})
	CacheWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shopcollector_offline_cache_write_errors_total",
		Help: "Failures writing a fetched response into the cache store",
	})
	LocationFixes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shopcollector_location_fixes_total",
		Help: "Readings accepted as an improved location fix",
	})
	LocationAccuracy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shopcollector_location_accuracy_meters",
		Help: "Accuracy radius of the currently held fix",
	})
)

func init() {
	prometheus.MustRegister(
		Submissions,
		SubmissionDuration,
		CacheLookups,
		CacheWriteErrors,
		LocationFixes,
		LocationAccuracy,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
