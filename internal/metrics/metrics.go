package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	daemonStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepr",
			Subsystem: "daemon",
			Name:      "starts_total",
			Help:      "Number of start attempts by outcome.",
		}, []string{"name", "outcome"},
	)
	daemonStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepr",
			Subsystem: "daemon",
			Name:      "stops_total",
			Help:      "Number of stop attempts by outcome.",
		}, []string{"name", "outcome"},
	)
	daemonUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keepr",
			Subsystem: "daemon",
			Name:      "up",
			Help:      "1 when the daemon's pid record verified valid in the last cycle.",
		}, []string{"name"},
	)
	restartEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepr",
			Subsystem: "restart",
			Name:      "events_total",
			Help:      "Restart ledger entries by reason and outcome.",
		}, []string{"name", "reason", "outcome"},
	)
	healthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keepr",
			Subsystem: "monitor",
			Name:      "health_score",
			Help:      "Percentage of configured daemons with a valid pid record.",
		},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "keepr",
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one monitor cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{daemonStarts, daemonStops, daemonUp, restartEvents, healthScore, cycleDuration, daemonCPU, daemonRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncStart(name, outcome string) {
	if regOK.Load() {
		daemonStarts.WithLabelValues(name, outcome).Inc()
	}
}

func IncStop(name, outcome string) {
	if regOK.Load() {
		daemonStops.WithLabelValues(name, outcome).Inc()
	}
}

func SetUp(name string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		daemonUp.WithLabelValues(name).Set(v)
	}
}

func IncRestartEvent(name, reason, outcome string) {
	if regOK.Load() {
		restartEvents.WithLabelValues(name, reason, outcome).Inc()
	}
}

func SetHealthScore(score float64) {
	if regOK.Load() {
		healthScore.Set(score)
	}
}

func ObserveCycle(seconds float64) {
	if regOK.Load() {
		cycleDuration.Observe(seconds)
	}
}
