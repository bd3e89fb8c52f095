// Package telemetry defines and registers the daemon's Prometheus
// metrics, following the teacher's promauto-backed init() pattern.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	initMetrics()
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

// Metrics is the daemon-wide metric set. Call initMetrics to populate
// it; subsystems record against these package-level vectors rather than
// each owning a private registry, mirroring the teacher's single
// adminMetrics struct.
var Metrics = struct {
	SlewsApplied        prometheus.Counter
	SamplesAccepted     *prometheus.CounterVec
	SamplesRejected     *prometheus.CounterVec
	SourcesTentative    prometheus.Gauge
	SourcesSelectable   prometheus.Gauge
	SourcesUnreachable  prometheus.Gauge
	DNSResolutionsInFlight prometheus.Gauge
	StepsApplied        prometheus.Counter
}{}

func initMetrics() {
	const ns = "timewardend"

	Metrics.SlewsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "discipline",
		Name:      "slews_applied_total",
		Help:      "Number of frequency-slew updates applied to the system clock.",
	})
	Metrics.StepsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "discipline",
		Name:      "steps_applied_total",
		Help:      "Number of discontinuous clock steps applied.",
	})
	Metrics.SamplesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "sources",
		Name:      "samples_accepted_total",
		Help:      "Samples accepted by a source's median filter, by source name.",
	}, []string{"source"})
	Metrics.SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "sources",
		Name:      "samples_rejected_total",
		Help:      "Samples rejected by a source's median filter, by source name and reason.",
	}, []string{"source", "reason"})
	Metrics.SourcesTentative = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "sources",
		Name:      "tentative",
		Help:      "Number of sources currently in the tentative state.",
	})
	Metrics.SourcesSelectable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "sources",
		Name:      "selectable",
		Help:      "Number of sources currently selectable.",
	})
	Metrics.SourcesUnreachable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "sources",
		Name:      "unreachable",
		Help:      "Number of sources currently unreachable.",
	})
	Metrics.DNSResolutionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "sources",
		Name:      "dns_resolutions_in_flight",
		Help:      "1 while the single-flight DNS resolution worker has a lookup outstanding, else 0.",
	})
}
