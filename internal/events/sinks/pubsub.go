package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/events"
)

// EventAuditCompleted is the event type published for successful audits.
const EventAuditCompleted = "audit.completed"

// Publisher sends a JSON payload tagged with an event type.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

// CompletedNotification is the body of an audit.completed message.
type CompletedNotification struct {
	AuditID    string              `json:"auditId"`
	URL        string              `json:"url"`
	Site       string              `json:"site"`
	ReportID   string              `json:"reportId"`
	Scores     map[string]*float64 `json:"scores"`
	DurationMs int64               `json:"durationMs"`
	FinishedAt time.Time           `json:"finishedAt"`
}

// PubSubSink publishes a notification for every AUDIT_DONE event, carrying the
// audit's trace context.
type PubSubSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewPubSubSink constructs a PubSubSink.
func NewPubSubSink(pub Publisher, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{pub: pub, logger: logger}
}

// Consume publishes completed audits.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != events.StageAuditDone {
			continue
		}
		msgCtx := ctx
		if evt.Span.IsValid() {
			msgCtx = trace.ContextWithRemoteSpanContext(ctx, evt.Span)
		}
		id, err := s.pub.Publish(msgCtx, EventAuditCompleted, CompletedNotification{
			AuditID:    evt.AuditUUID().String(),
			URL:        evt.URL,
			Site:       evt.Site,
			ReportID:   evt.ReportID,
			Scores:     evt.Scores,
			DurationMs: evt.Dur.Milliseconds(),
			FinishedAt: evt.TS.UTC(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.AuditUUID(), err))
			continue
		}
		s.logger.Debug("audit notification published",
			zap.String("audit_id", evt.AuditUUID().String()),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close stops the publisher when it supports stopping.
func (s *PubSubSink) Close(context.Context) error {
	if stopper, ok := s.pub.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	return nil
}
