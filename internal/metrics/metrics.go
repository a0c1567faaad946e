// Package metrics exposes Prometheus collectors for the diagnostics subsystem.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsEndedTotal     *prometheus.CounterVec
	methodAttemptsTotal    *prometheus.CounterVec
	workerRecyclesTotal    *prometheus.CounterVec
	sessionDurationSeconds prometheus.Histogram

	once sync.Once
)

// Outcome labels for session end counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsEndedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_sessions_ended_total",
				Help: "Total number of finalized extraction sessions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		methodAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_method_attempts_total",
				Help: "Total number of fallback-method attempts, labeled by method and result.",
			},
			[]string{"method", "result"},
		)

		workerRecyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_worker_recycles_total",
				Help: "Total number of worker recycle decisions, labeled by reason.",
			},
			[]string{"reason"},
		)

		sessionDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_session_duration_seconds",
				Help:    "Wall-clock duration of extraction sessions.",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
			},
		)
	})
}

// ObserveSessionEnd records one finalized session.
func ObserveSessionEnd(outcome string, duration time.Duration) {
	Init()
	sessionsEndedTotal.WithLabelValues(outcome).Inc()
	sessionDurationSeconds.Observe(duration.Seconds())
}

// ObserveMethodAttempt records one completed fallback-method attempt.
func ObserveMethodAttempt(method string, success bool) {
	Init()
	result := "failure"
	if success {
		result = "success"
	}
	methodAttemptsTotal.WithLabelValues(method, result).Inc()
}

// ObserveRecycle records one recycle decision.
func ObserveRecycle(reason string) {
	Init()
	workerRecyclesTotal.WithLabelValues(reason).Inc()
}
