package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register. The "name"
// label is the supervised worker's name so embedded multi-supervisor setups
// stay distinguishable.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker spawns.",
		}, []string{"name"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of worker exits by outcome (clean or crash).",
		}, []string{"name", "outcome"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restart decisions by reason.",
		}, []string{"name", "reason"},
	)
	workerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "worker",
			Name:      "up",
			Help:      "1 while a worker instance is running.",
		}, []string{"name"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "worker",
			Name:      "rss_bytes",
			Help:      "Last sampled resident set size of the worker.",
		}, []string{"name"},
	)
	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit state as a one-hot gauge (1 = active state).",
		}, []string{"name", "state"},
	)
	circuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Number of circuit state transitions.",
		}, []string{"name", "from", "to"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of liveness probes by classified status.",
		}, []string{"name", "status"},
	)
	healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Liveness probe round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	keepalivePings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "keepalive",
			Name:      "pings_total",
			Help:      "Number of keep-warm pings by outcome.",
		}, []string{"name", "status"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// collectors already present in the registry are left as-is.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerExits, workerRestarts, workerUp, workerRSS,
		circuitState, circuitTransitions, healthChecks, healthCheckDuration,
		keepalivePings,
	}
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

// Handler serves the DefaultGatherer; the caller wires it into a server.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncExit(name, outcome string) {
	if regOK.Load() {
		workerExits.WithLabelValues(name, outcome).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name, reason).Inc()
	}
}

func SetWorkerUp(name string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1.0
		}
		workerUp.WithLabelValues(name).Set(v)
	}
}

func SetWorkerRSS(name string, bytes uint64) {
	if regOK.Load() {
		workerRSS.WithLabelValues(name).Set(float64(bytes))
	}
}

// SetCircuitState flips the one-hot gauge for the active state.
func SetCircuitState(name, active string, states []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		circuitState.WithLabelValues(name, s).Set(v)
	}
}

func RecordCircuitTransition(name, from, to string) {
	if regOK.Load() {
		circuitTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func IncHealthCheck(name, status string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(name, status).Inc()
	}
}

func ObserveHealthCheckDuration(name string, seconds float64) {
	if regOK.Load() {
		healthCheckDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncKeepalivePing(name, status string) {
	if regOK.Load() {
		keepalivePings.WithLabelValues(name, status).Inc()
	}
}
