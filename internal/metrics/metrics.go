package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a name-addressed facade over a prometheus registry. Unknown
// names and mismatched label sets are ignored so call sites never panic.
type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	r.reg.MustRegister(collectors.NewGoCollector())
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	latency := []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

	r.RegisterGauge("relay_streams_active", "Open event streams.")
	r.RegisterCounter("relay_subscriptions_total", "Stream subscription attempts by status.", "status")
	r.RegisterCounter("relay_events_published_total", "Events enqueued to streams by kind.", "kind")
	r.RegisterCounter("relay_events_dropped_total", "Events dropped on full stream buffers by kind.", "kind")
	r.RegisterCounter("relay_commands_total", "Relayed commands by command and status.", "command", "status")
	r.RegisterHistogram("relay_command_latency_ms", "Command relay latency in milliseconds by command and status.", latency, "command", "status")
	r.RegisterCounter("relay_inactivity_terminations_total", "Sessions terminated by the inactivity monitor.")
	r.RegisterCounter("relay_link_retries_total", "Upstream link retries by operation.", "op")
	r.RegisterCounter("relay_ingest_messages_total", "Ingested upstream event messages by status.", "status")
	r.RegisterCounter("relay_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("relay_job_duration_ms", "Background job duration in milliseconds by job.", latency, "job")
}

func (r *Registry) RegisterCounter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg.Register(vec) == nil {
		r.counters[name] = vec
	}
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg.Register(vec) == nil {
		r.histograms[name] = vec
	}
}

func (r *Registry) RegisterGauge(name, help string, labels ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg.Register(vec) == nil {
		r.gauges[name] = vec
	}
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec := r.counters[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Inc()
	}
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.histograms[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(value)
	}
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.gauges[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
