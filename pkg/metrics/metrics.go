// Package metrics exposes Prometheus collectors for the resolver and the
// replication worker. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirrorstore"

// URL lookup sources.
const (
	SourceCache  = "cache"
	SourceRemote = "remote"
	SourceBackup = "backup"
)

// Replication outcomes.
const (
	ReplicationOK     = "ok"
	ReplicationRetry  = "retry"
	ReplicationBuried = "buried"
	ReplicationQueued = "queued"
	// ReplicationFailed is an inline push that errored; nothing retries it.
	ReplicationFailed = "failed"
)

// Metrics holds the collectors.
type Metrics struct {
	reg         *prometheus.Registry
	ops         *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	urlLookups  *prometheus.CounterVec
	replication *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

// New registers collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "ops_total",
		Help:      "Resolver operations by result.",
	}, []string{"op", "result"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "op_duration_seconds",
		Help:      "Resolver operation latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	urlLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "url_lookups_total",
		Help:      "URL resolutions by the source that answered.",
	}, []string{"source"})
	replication := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "tasks_total",
		Help:      "Replication task outcomes.",
	}, []string{"result"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "queue_depth",
		Help:      "Replication tasks waiting in the durable queue.",
	})
	_ = reg.Register(ops)
	_ = reg.Register(latency)
	_ = reg.Register(urlLookups)
	_ = reg.Register(replication)
	_ = reg.Register(queueDepth)
	return &Metrics{
		reg:         reg,
		ops:         ops,
		latency:     latency,
		urlLookups:  urlLookups,
		replication: replication,
		queueDepth:  queueDepth,
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveOp records one resolver operation.
func (m *Metrics) ObserveOp(op string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(dur.Seconds())
}

// ObserveURL records which source answered a URL lookup.
func (m *Metrics) ObserveURL(source string) {
	if m == nil {
		return
	}
	m.urlLookups.WithLabelValues(source).Inc()
}

// ObserveReplication records a replication outcome.
func (m *Metrics) ObserveReplication(result string) {
	if m == nil {
		return
	}
	m.replication.WithLabelValues(result).Inc()
}

// SetQueueDepth sets the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
