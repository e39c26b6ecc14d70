package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harvestkit/harvester/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus. It owns the
// collectors for session lifecycle and per-item outcomes.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	items             *prometheus.CounterVec
	batchSize         prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
// A nil registry uses the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_sessions_started_total",
			Help: "Total harvest sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_sessions_completed_total",
			Help: "Total harvest sessions completed partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_sessions_running",
			Help: "Current number of running harvest sessions.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_total",
			Help: "Item outcomes partitioned by result (archived, skipped, failed).",
		}, []string{"result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_batch_size",
			Help:    "Number of candidate items per fetched batch.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.items,
		s.batchSize,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessionsStarted.Inc()
			s.sessionsRunning.Inc()
		case progress.StageSessionDone:
			s.sessionsCompleted.WithLabelValues(resultLabel(evt.Note)).Inc()
			s.sessionsRunning.Dec()
		case progress.StageSessionError:
			s.sessionsCompleted.WithLabelValues("failed").Inc()
			s.sessionsRunning.Dec()
		case progress.StageItemArchived:
			s.items.WithLabelValues("archived").Inc()
		case progress.StageItemSkipped:
			s.items.WithLabelValues("skipped").Inc()
		case progress.StageItemFailed:
			s.items.WithLabelValues("failed").Inc()
		case progress.StageBatchFetched:
			s.batchSize.Observe(float64(evt.Count))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func resultLabel(note string) string {
	if note == "" {
		return "completed"
	}
	return note
}
