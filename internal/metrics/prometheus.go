package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bridges a Sink into the client_golang registry so it can be
// served by promhttp alongside the sink's own JSON/text exports. Series are
// dynamic (keyed by arbitrary tag combinations), so Describe intentionally
// sends nothing: this collector is "unchecked" in client_golang's terms.
type Collector struct {
	sink *Sink
}

// NewCollector wraps sink as a prometheus.Collector.
func NewCollector(sink *Sink) *Collector {
	return &Collector{sink: sink}
}

// Describe is deliberately empty; see the Collector doc comment.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect emits each series' most recent point as a const metric, gauges for
// everything except counters (histograms/timers/summaries are exported as
// their latest observation rather than bucketed, matching ExportPrometheusText).
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, sr := range c.sink.Snapshot() {
		if len(sr.Points) == 0 || sr.Name == "" {
			continue
		}
		latest := sr.Points[0]
		for _, p := range sr.Points {
			if p.Timestamp.After(latest.Timestamp) {
				latest = p
			}
		}

		labelNames := make([]string, 0, len(sr.Tags))
		labelValues := make([]string, 0, len(sr.Tags))
		for k, v := range sr.Tags {
			labelNames = append(labelNames, k)
			labelValues = append(labelValues, v)
		}

		desc := prometheus.NewDesc(promName(sr.Name), "lake metric "+sr.Name, labelNames, nil)
		valueType := prometheus.GaugeValue
		if sr.Type == Counter {
			valueType = prometheus.CounterValue
		}
		m, err := prometheus.NewConstMetric(desc, valueType, latest.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- m
	}
}

// promName replaces characters invalid in Prometheus metric names (the
// sink's own names use '.' as a namespacing separator) with underscores.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
