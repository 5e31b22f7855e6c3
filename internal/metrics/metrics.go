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

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "svcwatch",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall time of one aggregation cycle.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2, 3, 5, 10, 20},
		},
	)
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "svcwatch",
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Number of completed aggregation cycles.",
		},
	)
	cycleOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "svcwatch",
			Subsystem: "cycle",
			Name:      "overruns_total",
			Help:      "Cycles that took longer than the broadcast interval.",
		},
	)
	serviceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcwatch",
			Subsystem: "service",
			Name:      "health",
			Help:      "Latest probe status per service (1 = current status, 0 = other).",
		}, []string{"service", "status"},
	)
	probeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcwatch",
			Subsystem: "probe",
			Name:      "latency_seconds",
			Help:      "Health endpoint response time for probes that got a response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	serviceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcwatch",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "Supervisor-reported CPU usage per service.",
		}, []string{"service"},
	)
	serviceMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcwatch",
			Subsystem: "service",
			Name:      "memory_bytes",
			Help:      "Supervisor-reported resident memory per service.",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcwatch",
			Subsystem: "service",
			Name:      "restarts",
			Help:      "Supervisor-reported restart count per service.",
		}, []string{"service"},
	)
	supervisorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwatch",
			Subsystem: "supervisor",
			Name:      "failures_total",
			Help:      "Supervisor status queries that produced no data, by reason.",
		}, []string{"reason"},
	)
	hostCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "svcwatch",
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Host CPU usage sampled in the last cycle.",
		},
	)
	hostMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "svcwatch",
			Subsystem: "host",
			Name:      "memory_percent",
			Help:      "Host memory usage sampled in the last cycle.",
		},
	)
	observers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "svcwatch",
			Subsystem: "broadcast",
			Name:      "observers",
			Help:      "Currently subscribed observers.",
		},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "svcwatch",
			Subsystem: "broadcast",
			Name:      "delivery_failures_total",
			Help:      "Snapshot deliveries that an observer rejected or dropped.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		cycleDuration, cyclesTotal, cycleOverruns,
		serviceHealth, probeLatency, serviceCPU, serviceMemory, serviceRestarts,
		supervisorFailures, hostCPU, hostMemory, observers, deliveryFailures,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveCycle(seconds float64) {
	if regOK.Load() {
		cycleDuration.Observe(seconds)
		cyclesTotal.Inc()
	}
}

func IncCycleOverrun() {
	if regOK.Load() {
		cycleOverruns.Inc()
	}
}

// SetServiceHealth marks status as the current probe status of service.
func SetServiceHealth(service, status string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var v float64
		if s == status {
			v = 1
		}
		serviceHealth.WithLabelValues(service, s).Set(v)
	}
}

func ObserveProbeLatency(service string, seconds float64) {
	if regOK.Load() {
		probeLatency.WithLabelValues(service).Observe(seconds)
	}
}

func SetServiceUsage(service string, cpu float64, memory uint64, restarts int) {
	if regOK.Load() {
		serviceCPU.WithLabelValues(service).Set(cpu)
		serviceMemory.WithLabelValues(service).Set(float64(memory))
		serviceRestarts.WithLabelValues(service).Set(float64(restarts))
	}
}

func IncSupervisorFailure(reason string) {
	if regOK.Load() {
		supervisorFailures.WithLabelValues(reason).Inc()
	}
}

func SetHostUsage(cpuPercent, memPercent float64) {
	if regOK.Load() {
		hostCPU.Set(cpuPercent)
		hostMemory.Set(memPercent)
	}
}

func SetObservers(n int) {
	if regOK.Load() {
		observers.Set(float64(n))
	}
}

func IncDeliveryFailure() {
	if regOK.Load() {
		deliveryFailures.Inc()
	}
}
