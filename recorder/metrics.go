package recorder

import "github.com/prometheus/client_golang/prometheus"

// metrics collects recorder telemetry. The collectors are always updated;
// they only become visible once registered via WithMetrics.
type metrics struct {
	recorded       prometheus.Counter
	insertFailures prometheus.Counter
	advertisements prometheus.Counter
	patternMatches prometheus.Counter
	subscriptions  prometheus.Gauge
}

func newMetrics() *metrics {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace: "xtransport",
			Subsystem: "recorder",
			Name:      name,
			Help:      help,
		}
	}
	return &metrics{
		recorded:       prometheus.NewCounter(opts("messages_recorded_total", "Messages appended to the log.")),
		insertFailures: prometheus.NewCounter(opts("insert_failures_total", "Messages the log refused to append.")),
		advertisements: prometheus.NewCounter(opts("advertisements_total", "Advertisements observed from discovery.")),
		patternMatches: prometheus.NewCounter(opts("pattern_matches_total", "Advertised topics that matched a pattern.")),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xtransport",
			Subsystem: "recorder",
			Name:      "subscriptions",
			Help:      "Topics with an active subscription.",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.recorded, m.insertFailures, m.advertisements, m.patternMatches, m.subscriptions,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
