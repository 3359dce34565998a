package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts a Registry to the prometheus.Collector interface so the
// replay core's counters, gauges, and histograms can be scraped over the
// node's existing HTTP surface without duplicating bookkeeping in two
// systems. Only the gauge/counter values are exported as-is; Histogram is
// exported as three separate gauges (count/sum/mean) since it is not
// bucketed.
type Collector struct {
	registry *Registry
	subsys   string
}

// NewCollector wraps registry for Prometheus exposition. subsys is used as
// the metric namespace prefix (e.g. "replay_core").
func NewCollector(registry *Registry, subsys string) *Collector {
	return &Collector{registry: registry, subsys: subsys}
}

// Describe implements prometheus.Collector. The registry's metric set is
// dynamic, so no descriptors are sent up front (an unchecked collector).
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector, snapshotting the registry and
// emitting one Prometheus metric family per entry.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.mu.RLock()
	defer c.registry.mu.RUnlock()

	for name, ctr := range c.registry.counters {
		desc := prometheus.NewDesc(c.metricName(name), "counter: "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(ctr.Value()))
	}
	for name, g := range c.registry.gauges {
		desc := prometheus.NewDesc(c.metricName(name), "gauge: "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(g.Value()))
	}
	for name, h := range c.registry.histograms {
		countDesc := prometheus.NewDesc(c.metricName(name+"_count"), "histogram count: "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(countDesc, prometheus.GaugeValue, float64(h.Count()))
		sumDesc := prometheus.NewDesc(c.metricName(name+"_sum"), "histogram sum: "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(sumDesc, prometheus.GaugeValue, float64(h.Sum()))
		meanDesc := prometheus.NewDesc(c.metricName(name+"_mean"), "histogram mean: "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(meanDesc, prometheus.GaugeValue, h.Mean())
	}
}

func (c *Collector) metricName(name string) string {
	if c.subsys == "" {
		return name
	}
	return c.subsys + "_" + name
}
