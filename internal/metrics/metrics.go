// Package metrics owns the prometheus registry for the scanning pipeline.
//
// Every recording method is safe on a nil *Metrics so components can run
// without metrics in tests.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeResource = "resource_exceeded"
	OutcomeCanceled = "canceled"
)

type Metrics struct {
	registry *prometheus.Registry
	ns       string

	exchangesTotal   *prometheus.CounterVec
	sentinelSkipped  prometheus.Counter
	decodeFailures   *prometheus.CounterVec
	invocationsTotal *prometheus.CounterVec
	invokeSeconds    *prometheus.HistogramVec
	findingsTotal    *prometheus.CounterVec
	pluginRestarts   *prometheus.CounterVec
	wsFramesTotal    *prometheus.CounterVec
	sweptTotal       prometheus.Counter
	storeErrors      prometheus.Counter
}

// New creates a registry (not the global one) with process and Go collectors.
func New(namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "sentinel"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg, ns: namespace}

	m.exchangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "exchanges_total",
		Help: "Captured HTTP exchanges by phase (request, response).",
	}, []string{"phase"})
	m.sentinelSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "sentinel_skipped_total",
		Help: "Exchanges carrying the recursion marker that were not scanned.",
	})
	m.decodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "decode_failures_total",
		Help: "Response bodies whose Content-Encoding could not be decoded.",
	}, []string{"encoding"})
	m.invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "plugin_invocations_total",
		Help: "Plugin hook invocations by outcome.",
	}, []string{"plugin", "hook", "outcome"})
	m.invokeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "plugin_invocation_seconds",
		Help:    "Plugin hook wall time.",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"hook"})
	m.findingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "findings_total",
		Help: "Findings emitted by severity.",
	}, []string{"severity"})
	m.pluginRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "plugin_restarts_total",
		Help: "Isolate restarts after a crash or timeout.",
	}, []string{"plugin"})
	m.wsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "websocket_frames_total",
		Help: "WebSocket frames observed by direction.",
	}, []string{"direction"})
	m.sweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "correlator_evicted_total",
		Help: "Unpaired requests evicted by the sweep.",
	})
	m.storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "store_errors_total",
		Help: "Failed persistence writes.",
	})

	for _, c := range []prometheus.Collector{
		m.exchangesTotal, m.sentinelSkipped, m.decodeFailures, m.invocationsTotal,
		m.invokeSeconds, m.findingsTotal, m.pluginRestarts, m.wsFramesTotal,
		m.sweptTotal, m.storeErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: m.ns, Name: name, Help: help}, fn))
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Exchange(phase string) {
	if m != nil {
		m.exchangesTotal.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) SentinelSkipped() {
	if m != nil {
		m.sentinelSkipped.Inc()
	}
}

func (m *Metrics) DecodeFailure(encoding string) {
	if m != nil {
		m.decodeFailures.WithLabelValues(encoding).Inc()
	}
}

func (m *Metrics) Invocation(plugin, hook, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(plugin, hook, outcome).Inc()
	m.invokeSeconds.WithLabelValues(hook).Observe(took.Seconds())
}

func (m *Metrics) Finding(severity string) {
	if m != nil {
		m.findingsTotal.WithLabelValues(severity).Inc()
	}
}

func (m *Metrics) PluginRestart(plugin string) {
	if m != nil {
		m.pluginRestarts.WithLabelValues(plugin).Inc()
	}
}

func (m *Metrics) WebSocketFrame(direction string) {
	if m != nil {
		m.wsFramesTotal.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) Swept(n int) {
	if m != nil && n > 0 {
		m.sweptTotal.Add(float64(n))
	}
}

func (m *Metrics) StoreError() {
	if m != nil {
		m.storeErrors.Inc()
	}
}
