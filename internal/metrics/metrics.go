// Package metrics exposes Prometheus collectors for the ETL run.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Fetch attempt outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Record outcomes counted per listing.
const (
	RecordProcessed = "processed"
	RecordFiltered  = "filtered"
	RecordUpserted  = "upserted"
	RecordFailed    = "failed"
)

var (
	fetchAttemptsTotal    *prometheus.CounterVec
	fetchBackoffSeconds   prometheus.Histogram
	pacerWaitSeconds      prometheus.Histogram
	recordsTotal          *prometheus.CounterVec
	pagesTotal            prometheus.Counter
	multiLocationTotal    prometheus.Counter
	runsTotal             *prometheus.CounterVec
	runDurationSeconds    prometheus.Gauge
	lastRunSuccessSeconds prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usajobs_fetch_attempts_total",
				Help: "Total number of USAJobs search requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usajobs_fetch_backoff_seconds",
				Help:    "Histogram of backoff sleeps between fetch attempts.",
				Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 60},
			},
		)

		pacerWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usajobs_pacer_wait_seconds",
				Help:    "Histogram of waits enforced between successful requests.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_records_total",
				Help: "Total number of listings handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "etl_pages_total",
				Help: "Total number of result pages fetched.",
			},
		)

		multiLocationTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "etl_multi_location_listings_total",
				Help: "Accepted listings that advertise more than one location.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_runs_total",
				Help: "Total number of completed runs, labeled by status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "etl_run_duration_seconds",
				Help: "Wall-clock duration of the most recent run.",
			},
		)

		lastRunSuccessSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "etl_last_success_timestamp_seconds",
				Help: "Unix time of the most recent successful run.",
			},
		)
	})
}

// ObserveFetchAttempt increments the fetch attempt counter for the given outcome.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchBackoff records the duration of a retry sleep.
func ObserveFetchBackoff(d time.Duration) {
	Init()
	fetchBackoffSeconds.Observe(d.Seconds())
}

// ObservePacerWait records how long the pacer held a request back.
func ObservePacerWait(d time.Duration) {
	Init()
	pacerWaitSeconds.Observe(d.Seconds())
}

// ObserveRecord increments the per-listing outcome counter.
func ObserveRecord(outcome string) {
	Init()
	recordsTotal.WithLabelValues(outcome).Inc()
}

// ObservePage increments the fetched page counter.
func ObservePage() {
	Init()
	pagesTotal.Inc()
}

// ObserveMultiLocation counts an accepted multi-location posting.
func ObserveMultiLocation() {
	Init()
	multiLocationTotal.Inc()
}

// ObserveRun records the terminal status and duration of a run.
func ObserveRun(status string, duration time.Duration, completedAt time.Time) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Set(duration.Seconds())
	if status == "SUCCESS" {
		lastRunSuccessSeconds.Set(float64(completedAt.Unix()))
	}
}

// Push sends the default registry to a Prometheus Pushgateway.
func Push(ctx context.Context, url, job string) error {
	Init()
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
