// Package metrics exports command and queue telemetry to Prometheus.
package metrics

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "answer_queue"

// Collector holds the service's Prometheus collectors on a dedicated registry
type Collector struct {
	registry        *prometheus.Registry
	commandTotal    *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
}

// NewCollector creates a Collector with Go runtime and process collectors registered
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed, by command name.",
		}, []string{"command"}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_failures_total",
			Help:      "Commands that returned an error or panicked, by command name.",
		}, []string{"command"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in each worker class queue.",
		}, []string{"worker_class"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.commandTotal,
		c.commandFailures,
		c.commandDuration,
		c.queueDepth,
	)
	return c
}

// ObserveCommand records one command execution
func (c *Collector) ObserveCommand(name string, duration time.Duration, failed bool) {
	c.commandTotal.WithLabelValues(name).Inc()
	c.commandDuration.WithLabelValues(name).Observe(duration.Seconds())
	if failed {
		c.commandFailures.WithLabelValues(name).Inc()
	}
}

// QueueDepth sets the current depth of one worker class queue
func (c *Collector) QueueDepth(class string, depth int) {
	c.queueDepth.WithLabelValues(class).Set(float64(depth))
}

// RegisterDB exports connection pool statistics of db under the given name
func (c *Collector) RegisterDB(db *sql.DB, name string) error {
	if err := c.registry.Register(collectors.NewDBStatsCollector(db, name)); err != nil {
		return fmt.Errorf("failed to register db stats collector: %w", err)
	}
	return nil
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
