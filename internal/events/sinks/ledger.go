package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/page-audit-server/internal/events"
	"github.com/JakeFAU/page-audit-server/internal/store"
)

// LedgerSink writes one ledger row per finished audit.
type LedgerSink struct {
	repo store.LedgerRepository
}

// NewLedgerSink constructs a LedgerSink for repo.
func NewLedgerSink(repo store.LedgerRepository) *LedgerSink {
	return &LedgerSink{repo: repo}
}

// Consume records terminal events and ignores the rest. A failing row does not
// stop the others; all failures are returned joined.
func (s *LedgerSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		if err := s.repo.RecordAudit(ctx, recordFor(evt)); err != nil {
			errs = append(errs, fmt.Errorf("record audit %s: %w", evt.AuditUUID(), err))
		}
	}
	return errors.Join(errs...)
}

func recordFor(evt events.Event) store.AuditRecord {
	rec := store.AuditRecord{
		AuditID:    evt.AuditUUID(),
		URL:        evt.URL,
		Site:       evt.Site,
		Status:     store.AuditSuccess,
		Scores:     evt.Scores,
		Duration:   evt.Dur,
		FinishedAt: evt.TS,
	}
	if evt.Stage == events.StageAuditError {
		rec.Status = store.AuditError
		kind := evt.Kind
		rec.ErrorKind = &kind
	}
	if evt.ReportID != "" {
		id := evt.ReportID
		rec.ReportID = &id
	}
	if evt.Note != "" {
		note := evt.Note
		rec.Note = &note
	}
	return rec
}

// Close implements events.Sink.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
