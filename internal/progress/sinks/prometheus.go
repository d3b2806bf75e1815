package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bulk-hydrator/internal/progress"
)

// PrometheusSink exports run progress as Prometheus series.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	runsActive     prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	records        *prometheus.CounterVec
	recordDuration *prometheus.HistogramVec
	snapshotMisses prometheus.Counter

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrator_runs_started_total",
			Help: "Total hydration runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrator_runs_completed_total",
			Help: "Total hydration runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hydrator_runs_active",
			Help: "Hydration runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hydrator_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrator_records_total",
			Help: "Records processed partitioned by outcome and step.",
		}, []string{"outcome", "step"}),
		recordDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hydrator_record_duration_seconds",
			Help:    "Per-record processing time partitioned by outcome.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
		}, []string{"outcome"}),
		snapshotMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrator_snapshot_misses_total",
			Help: "Hydrated records written without an archive snapshot.",
		}),
		active: make(map[uuid.UUID]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.records,
		s.recordDuration,
		s.snapshotMisses,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.track(evt.RunID, true) {
				s.runsActive.Inc()
			}
		case progress.StageRecordDone:
			s.records.WithLabelValues(string(evt.Outcome), string(evt.Step)).Inc()
			if evt.Dur > 0 {
				s.recordDuration.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
			}
			if evt.SnapshotMiss {
				s.snapshotMisses.Inc()
			}
		case progress.StageRunDone, progress.StageRunError:
			result := runResult(evt)
			s.runsCompleted.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.RunID, false) {
				s.runsActive.Dec()
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// track records a run starting or finishing and reports whether the set changed.
func (s *PrometheusSink) track(id uuid.UUID, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.active[id]
	if start {
		if running {
			return false
		}
		s.active[id] = struct{}{}
		return true
	}
	if !running {
		return false
	}
	delete(s.active, id)
	return true
}

func runResult(evt progress.Event) string {
	switch {
	case evt.Stage == progress.StageRunError:
		return "error"
	case evt.Stats != nil && evt.Stats.Halted:
		return "halted"
	case evt.Stats != nil && evt.Stats.Canceled:
		return "canceled"
	default:
		return "success"
	}
}
