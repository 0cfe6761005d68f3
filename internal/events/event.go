package events

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Stage names one milestone of an audit.
type Stage string

// Audit lifecycle stages, in the order a successful audit emits them.
const (
	StageAuditStart      Stage = "AUDIT_START"
	StageSessionAcquired Stage = "SESSION_ACQUIRED"
	StageScored          Stage = "SCORED"
	StageReportSaved     Stage = "REPORT_SAVED"
	StageSessionReleased Stage = "SESSION_RELEASED"
	StageAuditDone       Stage = "AUDIT_DONE"
	StageAuditError      Stage = "AUDIT_ERROR"
)

// Terminal reports whether the stage ends an audit.
func (s Stage) Terminal() bool {
	return s == StageAuditDone || s == StageAuditError
}

// Event is one audit milestone.
type Event struct {
	// AuditID identifies the audit in 16-byte UUID form.
	AuditID [16]byte
	// TS is the UTC time the emitter recorded the event.
	TS    time.Time
	Stage Stage
	// URL is the audited page as requested.
	URL string
	// Site is the host label of URL.
	Site string
	// Kind is the failure kind on AUDIT_ERROR.
	Kind string
	// ReportID is set once the report is stored.
	ReportID string
	// Scores maps category to score on SCORED and AUDIT_DONE; nil entries mean
	// the engine could not score that category.
	Scores map[string]*float64
	// Dur is the phase latency, or the whole audit on terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as the error text.
	Note string
	// Span links the event to the audit's trace, when tracing is on.
	Span trace.SpanContext
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.AuditID == [16]byte{} {
		return errors.New("audit id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageAuditStart, StageSessionAcquired, StageScored, StageSessionReleased, StageAuditDone:
	case StageReportSaved:
		if e.ReportID == "" {
			return errors.New("report saved requires report id")
		}
	case StageAuditError:
		if e.Kind == "" {
			return errors.New("audit error requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// AuditUUID converts the binary audit id to uuid.UUID.
func (e Event) AuditUUID() uuid.UUID {
	return uuid.UUID(e.AuditID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// SiteOf returns the lowercase host of raw, or "" when raw has none.
func SiteOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
