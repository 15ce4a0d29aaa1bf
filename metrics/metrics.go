// Package metrics implements synckit.MetricsCollector on Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c0deZ3R0/locsync/synckit"
)

const (
	namespace = "locsync"
	subsystem = "sync"
)

// Collector records sync activity into Prometheus vectors.
type Collector struct {
	registry *prometheus.Registry

	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	settled        *prometheus.CounterVec
	failed         *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
}

var _ synckit.MetricsCollector = (*Collector)(nil)

// New registers the sync metrics on a fresh registry. Go runtime and process
// collectors are included so /metrics is useful on its own.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the sync metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		remoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_calls_total",
			Help:      "Remote attempts by entity type, action kind and outcome",
		}, []string{"entity_type", "action", "outcome"}),
		remoteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of remote attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type", "action"}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_settled_total",
			Help:      "Actions confirmed by the remote",
		}, []string{"entity_type"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_failed_total",
			Help:      "Actions demoted to failed",
		}, []string{"entity_type", "reason"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_total",
			Help:      "Conflicts detected while applying actions",
		}, []string{"entity_type"}),
		drainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drain_duration_seconds",
			Help:      "Duration of one drain pass",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Pending actions by status",
		}, []string{"status"}),
	}
}

func (c *Collector) RecordRemoteCall(entityType synckit.EntityType, kind synckit.ActionKind, outcome synckit.OutcomeKind, duration time.Duration) {
	c.remoteCalls.WithLabelValues(string(entityType), string(kind), outcome.String()).Inc()
	c.remoteDuration.WithLabelValues(string(entityType), string(kind)).Observe(duration.Seconds())
}

func (c *Collector) RecordActionSettled(entityType synckit.EntityType) {
	c.settled.WithLabelValues(string(entityType)).Inc()
}

func (c *Collector) RecordActionFailed(entityType synckit.EntityType, reason string) {
	c.failed.WithLabelValues(string(entityType), reason).Inc()
}

func (c *Collector) RecordConflict(entityType synckit.EntityType) {
	c.conflicts.WithLabelValues(string(entityType)).Inc()
}

func (c *Collector) RecordDrainDuration(duration time.Duration) {
	c.drainDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordQueueDepth(status synckit.ActionStatus, n int) {
	c.queueDepth.WithLabelValues(string(status)).Set(float64(n))
}

// WatchBroker exports the broker's dropped-change count.
func (c *Collector) WatchBroker(b *synckit.Broker) {
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dropped_changes_total",
		Help:      "Changes dropped because a subscriber was full",
	}, func() float64 { return float64(b.Dropped()) }))
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
