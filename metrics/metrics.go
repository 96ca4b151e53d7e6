// Package metrics holds the Prometheus collectors of a provisioning run.
// Every method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/host-provisioner/interfaces"
)

const namespace = "provisioner"

type Metrics struct {
	registry          *prometheus.Registry
	stage             prometheus.Gauge
	stageTransitions  *prometheus.CounterVec
	handshakeAttempts *prometheus.CounterVec
	deviceWait        prometheus.Histogram
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage",
			Help:      "Index of the stage currently executing.",
		}),
		stageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stages entered, by stage name.",
		}, []string{"stage"}),
		handshakeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_attempts_total",
			Help:      "Secret store poll attempts, by handshake phase and result.",
		}, []string{"phase", "result"}),
		deviceWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_wait_seconds",
			Help:      "Time spent waiting for device nodes to appear.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) SetStage(stage interfaces.Stage) {
	if m == nil {
		return
	}
	m.stage.Set(float64(stage))
	m.stageTransitions.WithLabelValues(stage.String()).Inc()
}

// HandshakeAttempt counts one poll of the secret store.
func (m *Metrics) HandshakeAttempt(phase string, ok bool) {
	if m == nil {
		return
	}
	result := "pending"
	if ok {
		result = "approved"
	}
	m.handshakeAttempts.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) ObserveDeviceWait(d time.Duration) {
	if m == nil {
		return
	}
	m.deviceWait.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
