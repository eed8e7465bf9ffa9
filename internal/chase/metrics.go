package chase

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "chase"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the candidate chain top.
	TopCandidate metrics.Gauge

	// Height of the last in-order validated block.
	TopValidated metrics.Gauge

	// Height of the confirmed chain top.
	TopConfirmed metrics.Gauge

	// Number of cached weak-branch headers.
	TreeSize metrics.Gauge

	// Number of undispatched download hashes.
	OutstandingHashes metrics.Gauge
}

// PrometheusMetrics returns Metrics built using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}

	return &Metrics{
		TopCandidate: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "top_candidate",
			Help:      "Height of the candidate chain top.",
		}, labels).With(labelsAndValues...),
		TopValidated: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "top_validated",
			Help:      "Height of the last in-order validated block.",
		}, labels).With(labelsAndValues...),
		TopConfirmed: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "top_confirmed",
			Help:      "Height of the confirmed chain top.",
		}, labels).With(labelsAndValues...),
		TreeSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tree_size",
			Help:      "Number of cached weak-branch headers.",
		}, labels).With(labelsAndValues...),
		OutstandingHashes: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "outstanding_hashes",
			Help:      "Number of undispatched download hashes.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		TopCandidate:      discard.NewGauge(),
		TopValidated:      discard.NewGauge(),
		TopConfirmed:      discard.NewGauge(),
		TreeSize:          discard.NewGauge(),
		OutstandingHashes: discard.NewGauge(),
	}
}
