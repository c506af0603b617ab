// package metrics exposes sweep outcomes as Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/99designs/aws-ami-sweeper/model"
)

// Recorder receives outcomes as the sweep produces them.
type Recorder interface {
	ImageOutcome(outcome model.ImageOutcome)
	SnapshotOutcome(outcome model.SnapshotOutcome)
	SweepCompleted(err error)
}

// Metrics is a Recorder backed by Prometheus counter vectors.
type Metrics struct {
	images    *prometheus.CounterVec
	snapshots *prometheus.CounterVec
	sweeps    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		images: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ami_sweeper_images_total",
				Help: "Images processed by the sweep, by outcome",
			},
			[]string{"outcome"},
		),
		snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ami_sweeper_snapshots_total",
				Help: "Snapshot deletions attempted by the sweep, by outcome",
			},
			[]string{"outcome"},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ami_sweeper_sweeps_total",
				Help: "Completed sweeps, by result",
			},
			[]string{"result"},
		),
	}
	for _, c := range []prometheus.Collector{m.images, m.snapshots, m.sweeps} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ImageOutcome(outcome model.ImageOutcome) {
	m.images.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) SnapshotOutcome(outcome model.SnapshotOutcome) {
	m.snapshots.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) SweepCompleted(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sweeps.WithLabelValues(result).Inc()
}

type noMetrics struct{}

// NoMetrics returns a Recorder that discards everything.
func NoMetrics() Recorder {
	return noMetrics{}
}

func (noMetrics) ImageOutcome(model.ImageOutcome)       {}
func (noMetrics) SnapshotOutcome(model.SnapshotOutcome) {}
func (noMetrics) SweepCompleted(error)                  {}
