package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/page-audit-server/internal/events"
)

// PrometheusSink exports audit lifecycle metrics.
type PrometheusSink struct {
	auditsStarted   prometheus.Counter
	auditsCompleted *prometheus.CounterVec
	auditsRunning   prometheus.Gauge
	auditRuntime    *prometheus.HistogramVec
	phaseDuration   *prometheus.HistogramVec
	categoryScore   *prometheus.HistogramVec

	tracker *auditTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		auditsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_started_total",
			Help: "Total audits that have started.",
		}),
		auditsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_completed_total",
			Help: "Total audits finished, partitioned by result and failure kind.",
		}, []string{"result", "kind"}),
		auditsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_running",
			Help: "Audits currently in flight.",
		}),
		auditRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_runtime_seconds",
			Help:    "Wall time per finished audit.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		}, []string{"result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_phase_duration_seconds",
			Help:    "Duration of each audit phase.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		categoryScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_category_score",
			Help:    "Category scores of successful audits.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"category"}),
		tracker: newAuditTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.auditsStarted,
		s.auditsCompleted,
		s.auditsRunning,
		s.auditRuntime,
		s.phaseDuration,
		s.categoryScore,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register audit collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageAuditStart:
		s.auditsStarted.Inc()
		if s.tracker.start(evt.AuditID) {
			s.auditsRunning.Inc()
		}
		return
	case events.StageSessionAcquired, events.StageScored, events.StageReportSaved, events.StageSessionReleased:
		if evt.Dur > 0 {
			s.phaseDuration.WithLabelValues(string(evt.Stage)).Observe(evt.Dur.Seconds())
		}
		return
	case events.StageAuditDone:
		s.auditsCompleted.WithLabelValues("success", "").Inc()
		s.observeRuntime(evt, "success")
		for category, score := range evt.Scores {
			if score != nil {
				s.categoryScore.WithLabelValues(category).Observe(*score)
			}
		}
	case events.StageAuditError:
		s.auditsCompleted.WithLabelValues("error", evt.Kind).Inc()
		s.observeRuntime(evt, "error")
	default:
		return
	}
	if s.tracker.complete(evt.AuditID) {
		s.auditsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt events.Event, result string) {
	if evt.Dur > 0 {
		s.auditRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type auditTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newAuditTracker() *auditTracker {
	return &auditTracker{running: make(map[[16]byte]struct{})}
}

func (t *auditTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *auditTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
