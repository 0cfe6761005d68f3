package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditStatus mirrors the ledger status column.
type AuditStatus string

// Ledger statuses.
const (
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
)

// AuditRecord is one finished audit.
type AuditRecord struct {
	AuditID uuid.UUID
	URL     string
	// Site is the host label of URL.
	Site   string
	Status AuditStatus
	// ErrorKind is set for failed audits (INPUT_ERROR, LAUNCH_ERROR, ...).
	ErrorKind *string
	// ReportID is set once the report was stored.
	ReportID *string
	// Scores maps category to score; nil values mean "not scored".
	Scores     map[string]*float64
	Duration   time.Duration
	FinishedAt time.Time
	Note       *string
}

// LedgerRepository persists audit outcomes.
type LedgerRepository interface {
	// RecordAudit inserts a record; recording the same audit twice is a no-op.
	RecordAudit(ctx context.Context, rec AuditRecord) error
	// RecentAudits returns up to limit records, newest first.
	RecentAudits(ctx context.Context, limit int) ([]AuditRecord, error)
}
