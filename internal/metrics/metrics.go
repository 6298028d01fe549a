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

	executionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbfleet",
			Subsystem: "execution",
			Name:      "starts_total",
			Help:      "Number of successfully started script executions.",
		}, []string{"script"},
	)
	executionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbfleet",
			Subsystem: "execution",
			Name:      "stops_total",
			Help:      "Number of finished executions by terminal result.",
		}, []string{"result"},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "adbfleet",
			Subsystem: "execution",
			Name:      "spawn_failures_total",
			Help:      "Number of child processes that failed to start.",
		},
	)
	runningExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "adbfleet",
			Subsystem: "execution",
			Name:      "running",
			Help:      "Current number of running executions.",
		},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adbfleet",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of finished executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"script"},
	)
	devicesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "adbfleet",
			Subsystem: "device",
			Name:      "count",
			Help:      "Known devices per status.",
		}, []string{"status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{executionStarts, executionStops, spawnFailures, runningExecutions, executionDuration, devicesByStatus}
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

// RegisterDefault registers against the default prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler returns an http.Handler serving the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Serve runs a standalone metrics listener on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux) // #nosec G114 -- internal metrics listener
}

// Helpers below no-op until Register succeeds.

func IncExecutionStart(script string) {
	if regOK.Load() {
		executionStarts.WithLabelValues(script).Inc()
	}
}

func IncExecutionStop(result string) {
	if regOK.Load() {
		executionStops.WithLabelValues(result).Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		spawnFailures.Inc()
	}
}

func SetRunningExecutions(n int) {
	if regOK.Load() {
		runningExecutions.Set(float64(n))
	}
}

func ObserveExecutionDuration(script string, seconds float64) {
	if regOK.Load() {
		executionDuration.WithLabelValues(script).Observe(seconds)
	}
}

func SetDeviceCount(status string, n int) {
	if regOK.Load() {
		devicesByStatus.WithLabelValues(status).Set(float64(n))
	}
}
