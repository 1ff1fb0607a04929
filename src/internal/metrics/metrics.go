// Package metrics exposes firewall operation counters and membership gauges
// in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

const namespace = "fwsync"

// Collector implements firewall.Observer.
type Collector struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	entries    *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Firewall operations by kind and result.",
		}, []string{"op", "result"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Committed entries per address family, action and kind.",
		}, []string{"family", "action", "kind"}),
	}

	c.registry.MustRegister(
		c.operations,
		c.entries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveOperation(op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.operations.WithLabelValues(op, result).Inc()
}

func (c *Collector) SetEntries(family netaddr.Family, action, kind string, n int) {
	c.entries.WithLabelValues(family.String(), action, kind).Set(float64(n))
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
