package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/page-audit-server/internal/events"
	"github.com/JakeFAU/page-audit-server/internal/publisher/memory"
	"github.com/JakeFAU/page-audit-server/internal/store"
)

func score(v float64) *float64 { return &v }

func lifecycle(id [16]byte, terminal events.Stage) []events.Event {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := events.Event{
		AuditID: id, TS: now.Add(20 * time.Second), Stage: terminal,
		URL: "https://example.com", Site: "example.com", Dur: 20 * time.Second,
	}
	if terminal == events.StageAuditDone {
		last.ReportID = "lighthouse-x.json"
		last.Scores = map[string]*float64{"performance": score(0.82), "seo": nil}
	} else {
		last.Kind = "SCORING_ERROR"
		last.Note = "engine returned no result"
	}
	return []events.Event{
		{AuditID: id, TS: now, Stage: events.StageAuditStart, URL: "https://example.com", Site: "example.com"},
		{AuditID: id, TS: now.Add(time.Second), Stage: events.StageSessionAcquired, Dur: time.Second},
		last,
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ok := events.UUIDToBytes(uuid.New())
	failed := events.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), lifecycle(ok, events.StageAuditDone)))
	require.NoError(t, sink.Consume(context.Background(), lifecycle(failed, events.StageAuditError)))

	assert.InDelta(t, 2.0, testutil.ToFloat64(sink.auditsStarted), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.auditsCompleted.WithLabelValues("success", "")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.auditsCompleted.WithLabelValues("error", "SCORING_ERROR")), 1e-9)
	assert.InDelta(t, 0.0, testutil.ToFloat64(sink.auditsRunning), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(sink.categoryScore, "audit_category_score"))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.phaseDuration, "audit_phase_duration_seconds"))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.auditRuntime, "audit_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), lifecycle(events.UUIDToBytes(uuid.New()), events.StageAuditError)))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	last := entries[2]
	assert.Equal(t, zap.InfoLevel, last.Level)
	assert.Equal(t, "SCORING_ERROR", last.ContextMap()["kind"])
	assert.Equal(t, "AUDIT_ERROR", last.ContextMap()["stage"])
}

type fakeLedger struct {
	mu      sync.Mutex
	records []store.AuditRecord
	err     error
}

func (f *fakeLedger) RecordAudit(_ context.Context, rec store.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) RecentAudits(context.Context, int) ([]store.AuditRecord, error) {
	return nil, nil
}

func TestLedgerSinkRecordsTerminalEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeLedger{}
	sink := NewLedgerSink(repo)
	okID := uuid.New()
	failID := uuid.New()
	batch := append(lifecycle(events.UUIDToBytes(okID), events.StageAuditDone),
		lifecycle(events.UUIDToBytes(failID), events.StageAuditError)...)
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.records, 2)
	done := repo.records[0]
	assert.Equal(t, okID, done.AuditID)
	assert.Equal(t, store.AuditSuccess, done.Status)
	require.NotNil(t, done.ReportID)
	assert.Equal(t, "lighthouse-x.json", *done.ReportID)
	assert.Nil(t, done.ErrorKind)
	assert.Equal(t, 20*time.Second, done.Duration)

	failedRec := repo.records[1]
	assert.Equal(t, store.AuditError, failedRec.Status)
	require.NotNil(t, failedRec.ErrorKind)
	assert.Equal(t, "SCORING_ERROR", *failedRec.ErrorKind)
	require.NotNil(t, failedRec.Note)
	assert.Nil(t, failedRec.ReportID)
}

func TestLedgerSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	sink := NewLedgerSink(&fakeLedger{err: boom})
	err := sink.Consume(context.Background(), lifecycle(events.UUIDToBytes(uuid.New()), events.StageAuditDone))
	require.ErrorIs(t, err, boom)

	var nilSink *LedgerSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type ctxPublisher struct {
	spans   []trace.SpanContext
	stopped bool
}

func (c *ctxPublisher) Publish(ctx context.Context, _ string, _ any) (string, error) {
	c.spans = append(c.spans, trace.SpanContextFromContext(ctx))
	return "id", nil
}

func (c *ctxPublisher) Stop() { c.stopped = true }

func TestPubSubSinkPublishesCompletedOnly(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPubSubSink(pub, nil)
	id := uuid.New()
	batch := append(lifecycle(events.UUIDToBytes(id), events.StageAuditDone),
		lifecycle(events.UUIDToBytes(uuid.New()), events.StageAuditError)...)
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventAuditCompleted, msgs[0].EventType)
	var note CompletedNotification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &note))
	assert.Equal(t, id.String(), note.AuditID)
	assert.Equal(t, "lighthouse-x.json", note.ReportID)
	assert.Equal(t, int64(20000), note.DurationMs)
	require.NotNil(t, note.Scores["performance"])
	assert.InDelta(t, 0.82, *note.Scores["performance"], 1e-9)
	assert.Nil(t, note.Scores["seo"])
}

func TestPubSubSinkPropagatesSpanAndStops(t *testing.T) {
	t.Parallel()

	pub := &ctxPublisher{}
	sink := NewPubSubSink(pub, nil)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	batch := lifecycle(events.UUIDToBytes(uuid.New()), events.StageAuditDone)
	batch[len(batch)-1].Span = sc
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, pub.spans, 1)
	assert.Equal(t, sc.TraceID(), pub.spans[0].TraceID())
	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, pub.stopped)
}

func TestPubSubSinkPublishError(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	sink := NewPubSubSink(pub, nil)
	err := sink.Consume(context.Background(), lifecycle(events.UUIDToBytes(uuid.New()), events.StageAuditDone))
	require.ErrorIs(t, err, boom)
}
