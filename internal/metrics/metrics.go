// Package metrics records command and reconciliation counters in a private
// Prometheus registry and writes them for the node_exporter textfile
// collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements executor.Observer and provisioner.Observer.
type Recorder struct {
	registry *prometheus.Registry

	commandsTotal   *prometheus.CounterVec
	commandDuration prometheus.Histogram
	reconcileTotal  *prometheus.CounterVec
	lastRun         prometheus.Gauge
}

// New creates a recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_provision_commands_total",
				Help: "Total number of step commands executed, by outcome",
			},
			[]string{"outcome"},
		),
		commandDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "step_provision_command_duration_seconds",
				Help:    "Duration of step commands in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
		),
		reconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_provision_reconcile_total",
				Help: "Total number of provisioner reconciliations, by action",
			},
			[]string{"action"},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "step_provision_last_run_timestamp_seconds",
				Help: "Unix time of the last reconciliation",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveCommand records one executed command.
func (r *Recorder) ObserveCommand(outcome string, elapsed time.Duration) {
	r.commandsTotal.WithLabelValues(outcome).Inc()
	r.commandDuration.Observe(elapsed.Seconds())
}

// ObserveReconcile records one reconciliation.
func (r *Recorder) ObserveReconcile(action string) {
	r.reconcileTotal.WithLabelValues(action).Inc()
	r.lastRun.SetToCurrentTime()
}

// WriteTextfile writes all metrics to path atomically. The directory must
// exist.
func (r *Recorder) WriteTextfile(path string) error {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return fmt.Errorf("metrics textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
