// Package metrics records checkpoint and rollback outcomes in a private
// Prometheus registry.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uiannotate"

// Recorder holds the checkpoint engine's collectors. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	checkpoints *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// New creates a Recorder backed by its own registry
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_created_total",
			Help:      "Checkpoints created, by local and remote snapshot outcome.",
		}, []string{"local", "db"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks attempted, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of checkpoint engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"operation"}),
	}
	r.registry.MustRegister(r.checkpoints, r.rollbacks, r.duration)
	return r
}

// Registry exposes the underlying registry for scraping or textfile export
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// CheckpointCreated counts one create by outcome
func (r *Recorder) CheckpointCreated(local, db bool) {
	if r == nil {
		return
	}
	r.checkpoints.WithLabelValues(strconv.FormatBool(local), strconv.FormatBool(db)).Inc()
}

// Rollback results
const (
	RollbackOK       = "ok"
	RollbackPartial  = "partial"
	RollbackRejected = "rejected"
	RollbackFailed   = "failed"
)

// RollbackFinished counts one rollback with the given result
func (r *Recorder) RollbackFinished(result string) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(result).Inc()
}

// ObserveDuration records how long an operation took since start
func (r *Recorder) ObserveDuration(operation string, start time.Time) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// WriteTextfile writes the current metrics in the node_exporter textfile format
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
