// internal/metrics/collector.go
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"comm-service/internal/protocol"
)

// Collector exposes adapter lifecycle and API metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	adapterState   *prometheus.GaugeVec
	adapterBytes   *prometheus.CounterVec
	adapterErrors  *prometheus.CounterVec
	adapterEvents  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// NewCollector creates a collector with every metric registered
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		adapterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "comm",
			Subsystem: "adapter",
			Name:      "state",
			Help:      "Current connection state of an adapter (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}, []string{"adapter", "protocol"}),
		adapterBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comm",
			Subsystem: "adapter",
			Name:      "bytes_total",
			Help:      "Bytes moved by an adapter",
		}, []string{"adapter", "protocol", "direction"}),
		adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comm",
			Subsystem: "adapter",
			Name:      "errors_total",
			Help:      "Errors reported by an adapter, by error kind",
		}, []string{"adapter", "protocol", "kind"}),
		adapterEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comm",
			Subsystem: "adapter",
			Name:      "events_total",
			Help:      "Lifecycle events observed per adapter",
		}, []string{"adapter", "protocol", "event"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comm",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Management API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	collectors := []prometheus.Collector{
		c.adapterState,
		c.adapterBytes,
		c.adapterErrors,
		c.adapterEvents,
		c.requestLatency,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// ObserveAdapter records one lifecycle event of a named adapter
func (c *Collector) ObserveAdapter(name string, event protocol.Event) {
	proto := string(event.Protocol)
	c.adapterEvents.WithLabelValues(name, proto, string(event.Kind)).Inc()

	switch event.Kind {
	case protocol.EventStateChanged:
		c.adapterState.WithLabelValues(name, proto).Set(float64(event.State))
	case protocol.EventSent:
		c.adapterBytes.WithLabelValues(name, proto, "sent").Add(float64(event.Bytes))
	case protocol.EventReceived:
		c.adapterBytes.WithLabelValues(name, proto, "received").Add(float64(event.Bytes))
	case protocol.EventError:
		c.adapterErrors.WithLabelValues(name, proto, string(protocol.KindOf(event.Err))).Inc()
	}
}

// AdapterCreated starts the state series of a new adapter at disconnected
func (c *Collector) AdapterCreated(name string, protocolType protocol.ProtocolType) {
	c.adapterState.WithLabelValues(name, string(protocolType)).Set(float64(protocol.StateDisconnected))
}

// AdapterRemoved forgets the series of a removed adapter
func (c *Collector) AdapterRemoved(name string, _ protocol.ProtocolType) {
	c.ForgetAdapter(name)
}

// ForgetAdapter drops every series of a removed adapter
func (c *Collector) ForgetAdapter(name string) {
	labels := prometheus.Labels{"adapter": name}
	c.adapterState.DeletePartialMatch(labels)
	c.adapterBytes.DeletePartialMatch(labels)
	c.adapterErrors.DeletePartialMatch(labels)
	c.adapterEvents.DeletePartialMatch(labels)
}

// ObserveRequest records the latency of a management API call
func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	c.requestLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Registry returns the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
