package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wearable_sync"

var (
	dayOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "days_total",
		Help:      "Number of synced days grouped by provider, outcome and error kind.",
	}, []string{"provider", "status", "error_kind"})

	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "records_persisted_total",
		Help:      "Number of canonical records persisted grouped by kind.",
	}, []string{"provider", "kind"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a sync run by terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"provider", "state"})

	lastRunGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_run_finished_timestamp_seconds",
		Help:      "Unix timestamp of the most recent finished sync run.",
	}, []string{"provider"})

	tokenRefreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "token",
		Name:      "refreshes_total",
		Help:      "Number of token endpoint refresh calls grouped by result.",
	}, []string{"provider", "result"})

	providerRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Number of provider HTTP attempts grouped by endpoint and status class.",
	}, []string{"endpoint", "status"})
)

func init() {
	prometheus.MustRegister(dayOutcomeCounter, recordsCounter, runDuration, lastRunGauge, tokenRefreshCounter, providerRequestCounter)
}

// RecordDay counts one day outcome.
func RecordDay(provider, status, errorKind string) {
	dayOutcomeCounter.WithLabelValues(provider, status, errorKind).Inc()
}

// RecordPersisted adds n persisted records of kind.
func RecordPersisted(provider, kind string, n int) {
	if n <= 0 {
		return
	}
	recordsCounter.WithLabelValues(provider, kind).Add(float64(n))
}

// RecordRun observes a finished run.
func RecordRun(provider, state string, started, finished time.Time) {
	if finished.IsZero() {
		return
	}
	runDuration.WithLabelValues(provider, state).Observe(finished.Sub(started).Seconds())
	lastRunGauge.WithLabelValues(provider).Set(float64(finished.Unix()))
}

// RecordTokenRefresh counts one refresh call; result is "ok" or an error kind.
func RecordTokenRefresh(provider, result string) {
	tokenRefreshCounter.WithLabelValues(provider, result).Inc()
}

// RecordProviderRequest counts one HTTP attempt; status is the code or "error" for transport failures.
func RecordProviderRequest(endpoint, status string) {
	providerRequestCounter.WithLabelValues(endpoint, status).Inc()
}
