package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bastion"

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all proxy metrics.
type Registry struct {
	reg *prometheus.Registry

	// Connection metrics
	Connections        *prometheus.CounterVec
	ActiveConnections  *prometheus.GaugeVec
	ConnectionDuration *prometheus.HistogramVec
	Bytes              *prometheus.CounterVec

	// Dispatch metrics
	RuleMatches     *prometheus.CounterVec
	Unmatched       *prometheus.CounterVec
	DispatchLatency prometheus.Histogram

	// Pipeline metrics
	StackFailures *prometheus.CounterVec

	// Keybridge metrics
	KeybridgeMints     *prometheus.CounterVec
	KeybridgeCacheHits *prometheus.CounterVec

	// System metrics
	Uptime       prometheus.Gauge
	ConfigReload *prometheus.CounterVec
}

// Get returns the process-wide registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New()
	})
	return registry
}

// New returns a registry with its own Prometheus registerer, including the
// Go runtime and process collectors.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(r.reg)

	r.Connections = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Connections handled, by service and outcome",
	}, []string{"service", "outcome"})

	r.ActiveConnections = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Connections currently being proxied",
	}, []string{"service"})

	r.ConnectionDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connection_duration_seconds",
		Help:      "Lifetime of proxied connections",
		Buckets:   []float64{.01, .1, 1, 10, 60, 300, 1800, 3600},
	}, []string{"service"})

	r.Bytes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_total",
		Help:      "Bytes relayed, by service and direction",
	}, []string{"service", "direction"})

	r.RuleMatches = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_matches_total",
		Help:      "Number of times each rule matched",
	}, []string{"rule", "service"})

	r.Unmatched = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmatched_connections_total",
		Help:      "Connections closed because no rule matched",
	}, []string{"listener"})

	r.DispatchLatency = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent classifying a connection against the rule table",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 8),
	})

	r.StackFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stack_failures_total",
		Help:      "Content filter programs that failed or timed out",
	}, []string{"service"})

	r.KeybridgeMints = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keybridge_mints_total",
		Help:      "Leaf certificates minted",
	}, []string{"bridge", "ca"})

	r.KeybridgeCacheHits = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keybridge_cache_hits_total",
		Help:      "Leaf certificates served from cache",
	}, []string{"bridge"})

	r.Uptime = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Proxy uptime in seconds",
	})

	r.ConfigReload = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_loads_total",
		Help:      "Policy loads",
	}, []string{"status"})

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordConfigLoad counts a policy load attempt.
func (r *Registry) RecordConfigLoad(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	r.ConfigReload.WithLabelValues(status).Inc()
}

// RecordRuleMatch counts a dispatch decision.
func (r *Registry) RecordRuleMatch(rule, service string, took time.Duration) {
	r.RuleMatches.WithLabelValues(rule, service).Inc()
	r.DispatchLatency.Observe(took.Seconds())
}

// RecordUnmatched counts a connection no rule accepted.
func (r *Registry) RecordUnmatched(listener string, took time.Duration) {
	r.Unmatched.WithLabelValues(listener).Inc()
	r.DispatchLatency.Observe(took.Seconds())
}

// StackFailed implements protocol.Observer.
func (r *Registry) StackFailed(service string, _ error) {
	r.StackFailures.WithLabelValues(service).Inc()
}

// KeybridgeMint implements keybridge.Observer.
func (r *Registry) KeybridgeMint(bridge string, trusted bool) {
	ca := "untrusted"
	if trusted {
		ca = "trusted"
	}
	r.KeybridgeMints.WithLabelValues(bridge, ca).Inc()
}

// KeybridgeCacheHit implements keybridge.Observer.
func (r *Registry) KeybridgeCacheHit(bridge string) {
	r.KeybridgeCacheHits.WithLabelValues(bridge).Inc()
}
