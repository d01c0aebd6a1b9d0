package balancer

import "github.com/prometheus/client_golang/prometheus"

const namespace = "onionbalance"

// Metrics are the Prometheus collectors updated by the pipeline.
type Metrics struct {
	FetchesIssued       prometheus.Counter
	FetchFailures       *prometheus.CounterVec
	DescriptorsReceived prometheus.Counter
	EventsDiscarded     *prometheus.CounterVec
	Publishes           *prometheus.CounterVec
	PublishSkips        *prometheus.CounterVec
	FreshInstances      *prometheus.GaugeVec
	IntroPoints         *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "issued_total",
			Help:      "Descriptor fetch commands sent to the relay.",
		}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "failures_total",
			Help:      "Failed instance descriptor fetches by cause.",
		}, []string{"reason"}),
		DescriptorsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "descriptors_total",
			Help:      "Instance descriptors parsed and applied.",
		}),
		EventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "discarded_total",
			Help:      "Relay events that matched no outstanding fetch.",
		}, []string{"reason"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "attempts_total",
			Help:      "Combined descriptor publish attempts by result.",
		}, []string{"service", "result"}),
		PublishSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "skipped_total",
			Help:      "Publish checks that did not publish, by reason.",
		}, []string{"service", "reason"}),
		FreshInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fresh_instances",
			Help:      "Instances contributing at the last publish check.",
		}, []string{"service"}),
		IntroPoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intro_points",
			Help:      "Introduction points in the last built descriptor.",
		}, []string{"service"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FetchesIssued,
			m.FetchFailures,
			m.DescriptorsReceived,
			m.EventsDiscarded,
			m.Publishes,
			m.PublishSkips,
			m.FreshInstances,
			m.IntroPoints,
		)
	}
	return m
}
