package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/events"
)

// LogSink writes one structured log line per event. Terminal stages log at
// Info, intermediate stages at Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("audit_id", evt.AuditUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.Duration("dur", evt.Dur),
		}
		if evt.ReportID != "" {
			fields = append(fields, zap.String("report_id", evt.ReportID))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if len(evt.Scores) > 0 {
			fields = append(fields, zap.Any("scores", evt.Scores))
		}
		if evt.Stage.Terminal() {
			s.logger.Info("audit event", fields...)
		} else {
			s.logger.Debug("audit event", fields...)
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
