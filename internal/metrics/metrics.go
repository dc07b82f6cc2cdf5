// Package metrics holds the sweep counters. They live on a private registry so a
// one-shot run can write them to a node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters updated by the orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	// Sweep metrics
	Sweeps        prometheus.Counter
	SweepDuration prometheus.Histogram

	// Message metrics
	Messages  *prometheus.CounterVec // outcome: accepted, rejected, timestamp_invalid, skipped_extension
	Downloads *prometheus.CounterVec // result: ok, failed, existing
	Archives  *prometheus.CounterVec // reason: archive.Reason strings

	// Table metrics
	FilesScanned       *prometheus.CounterVec // result: ok, decode_error, error
	RowsAppended       prometheus.Counter
	DuplicatesSkipped  prometheus.Counter
	TableWriteFailures prometheus.Counter
	ChannelFailures    prometheus.Counter
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "chansweep_sweeps_total",
			Help: "Total sweeps started",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chansweep_sweep_duration_seconds",
			Help:    "Sweep duration",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300},
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chansweep_messages_total",
			Help: "Messages seen, by admission outcome",
		}, []string{"outcome"}),
		Downloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chansweep_downloads_total",
			Help: "Attachment downloads, by result",
		}, []string{"result"}),
		Archives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chansweep_archives_total",
			Help: "Archives handled, by expansion reason",
		}, []string{"reason"}),
		FilesScanned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chansweep_files_scanned_total",
			Help: "Text files scanned, by result",
		}, []string{"result"}),
		RowsAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "chansweep_rows_appended_total",
			Help: "Rows appended to the dedup table",
		}),
		DuplicatesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "chansweep_duplicates_skipped_total",
			Help: "Extracted records dropped because their key was already present",
		}),
		TableWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chansweep_table_write_failures_total",
			Help: "Failed appends to the dedup table",
		}),
		ChannelFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chansweep_channel_failures_total",
			Help: "Channels abandoned because of an error",
		}),
	}
}

// WriteTextfile writes every metric to path in the text exposition format.
// The write goes through a temporary file and a rename.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
