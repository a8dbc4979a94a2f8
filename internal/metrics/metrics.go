package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "devicecheck"

// Metrics holds the collectors of a single devicecheck run. Each instance owns
// its registry so runs and tests never collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	HealthPolls        *prometheus.CounterVec
	PhaseDuration      *prometheus.GaugeVec
	ScenarioRuns       *prometheus.CounterVec
	ScenarioDuration   *prometheus.HistogramVec
	ProvisionedDevices *prometheus.CounterVec
	InterfacesSynced   *prometheus.CounterVec
	BackendRequests    *prometheus.CounterVec
	BackendLatency     *prometheus.HistogramVec
	RunPassed          prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.HealthPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_polls_total",
			Help:      "Health check polls by outcome",
		},
		[]string{"result"},
	)

	m.PhaseDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each orchestration phase",
		},
		[]string{"phase"},
	)

	m.ScenarioRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenario_runs_total",
			Help:      "Scenario runs by status",
		},
		[]string{"scenario", "status"},
	)

	m.ScenarioDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Wall time of a scenario run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"scenario"},
	)

	m.ProvisionedDevices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioned_devices_total",
			Help:      "Device identities provisioned by credential kind and outcome",
		},
		[]string{"kind", "result"},
	)

	m.InterfacesSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interfaces_synced_total",
			Help:      "Interface definitions synced by action",
		},
		[]string{"action"},
	)

	m.BackendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "HTTP requests sent to the backend",
		},
		[]string{"code", "method"},
	)

	m.BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Latency of backend HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.RunPassed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_passed",
			Help:      "1 if the last run passed every phase, 0 otherwise",
		},
	)

	m.Registry.MustRegister(
		m.HealthPolls,
		m.PhaseDuration,
		m.ScenarioRuns,
		m.ScenarioDuration,
		m.ProvisionedDevices,
		m.InterfacesSynced,
		m.BackendRequests,
		m.BackendLatency,
		m.RunPassed,
	)

	return m
}

// InstrumentTransport wraps next so every backend request is counted and timed.
func (m *Metrics) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(m.BackendRequests,
		promhttp.InstrumentRoundTripperDuration(m.BackendLatency, next))
}

// ObservePoll records one health poll.
func (m *Metrics) ObservePoll(healthy bool, err error) {
	switch {
	case err != nil:
		m.HealthPolls.WithLabelValues("error").Inc()
	case healthy:
		m.HealthPolls.WithLabelValues("healthy").Inc()
	default:
		m.HealthPolls.WithLabelValues("unhealthy").Inc()
	}
}

// ObservePhase records the duration of an orchestration phase.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Set(d.Seconds())
}

// ObserveScenario records one scenario result.
func (m *Metrics) ObserveScenario(name, status string, d time.Duration) {
	m.ScenarioRuns.WithLabelValues(name, status).Inc()
	m.ScenarioDuration.WithLabelValues(name).Observe(d.Seconds())
}

// SetRunPassed records the overall verdict.
func (m *Metrics) SetRunPassed(passed bool) {
	if passed {
		m.RunPassed.Set(1)
	} else {
		m.RunPassed.Set(0)
	}
}

// Push sends the registry to a Prometheus Pushgateway. CI jobs are too short
// lived to be scraped.
func (m *Metrics) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	p := push.New(url, job).Gatherer(m.Registry)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	return p.PushContext(ctx)
}
