// Package metrics holds the prometheus collectors of bowkin. bowkin isn't a
// daemon, so the collectors are registered on a private registry and written
// to a file in the textfile collector format at the end of a command.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of a bowkin invocation.
type Metrics struct {
	Registry *prometheus.Registry

	// Indexed counts the files indexed by a rebuild.
	Indexed prometheus.Counter
	// Skipped counts the files skipped by a rebuild, by reason.
	Skipped *prometheus.CounterVec
	// Records is the number of records in the catalog after a rebuild.
	Records prometheus.Gauge
	// Scanned counts the candidates visited by the fingerprint matcher.
	Scanned prometheus.Counter
	// Rejected counts the candidates rejected by the fingerprint matcher,
	// by reason.
	Rejected *prometheus.CounterVec
	// Duration of the commands, by command.
	Duration *prometheus.HistogramVec
}

// Reasons for skipped files and rejected candidates.
const (
	ReasonTooLarge   = "too_large"
	ReasonUnreadable = "unreadable"
	ReasonParse      = "parse"
	ReasonAbsent     = "absent"
	ReasonMismatch   = "mismatch"
)

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Indexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bowkin_rebuild_indexed_total",
			Help: "number of files indexed by the rebuild",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bowkin_rebuild_skipped_total",
			Help: "number of files skipped by the rebuild",
		}, []string{"reason"}),
		Records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bowkin_catalog_records",
			Help: "number of records in the catalog",
		}),
		Scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bowkin_find_scanned_total",
			Help: "number of candidates visited by the fingerprint matcher",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bowkin_find_rejected_total",
			Help: "number of candidates rejected by the fingerprint matcher",
		}, []string{"reason"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bowkin_command_duration_seconds",
			Help:    "duration of the commands",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"command"}),
	}

	m.Registry.MustRegister(
		m.Indexed,
		m.Skipped,
		m.Records,
		m.Scanned,
		m.Rejected,
		m.Duration,
	)

	return m
}

// WriteToTextfile writes the collected metrics at path, in the format of the
// node exporter's textfile collector. The write is atomic.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
