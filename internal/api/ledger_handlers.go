package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/store"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
	ledgerTimeout     = 3 * time.Second
)

// LedgerHandler exposes read-only audit history endpoints.
type LedgerHandler struct {
	repo    store.LedgerRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewLedgerHandler wires the repository and logger.
func NewLedgerHandler(repo store.LedgerRepository, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{
		repo:    repo,
		timeout: ledgerTimeout,
		logger:  logger,
	}
}

// RecentAudits handles GET /audits?limit=&status=. It returns {"audits": [...]}
// newest first, 400 for invalid filters, 503 when no ledger is configured, or
// 500 if the repository call fails.
func (h *LedgerHandler) RecentAudits(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "audit ledger unavailable")
		return
	}
	limit, err := parseLimit(r, defaultAuditLimit, maxAuditLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status store.AuditStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err = parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.repo.RecentAudits(ctx, limit)
	if err != nil {
		h.logger.Error("list audits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list audits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audits": toAuditDTOs(records, status),
	})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func parseStatus(input string) (store.AuditStatus, error) {
	switch strings.ToLower(input) {
	case "success", "ok":
		return store.AuditSuccess, nil
	case "error", "failed", "failure":
		return store.AuditError, nil
	default:
		return "", errors.New("invalid status")
	}
}

// toAuditDTOs converts records, keeping only those matching status when set.
func toAuditDTOs(in []store.AuditRecord, status store.AuditStatus) []auditDTO {
	out := make([]auditDTO, 0, len(in))
	for _, rec := range in {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, auditDTO{
			AuditID:    rec.AuditID.String(),
			URL:        rec.URL,
			Site:       rec.Site,
			Status:     string(rec.Status),
			ErrorKind:  rec.ErrorKind,
			ReportID:   rec.ReportID,
			Scores:     rec.Scores,
			DurationMs: rec.Duration.Milliseconds(),
			FinishedAt: rec.FinishedAt,
			Note:       rec.Note,
		})
	}
	return out
}

type auditDTO struct {
	AuditID    string              `json:"audit_id"`
	URL        string              `json:"url"`
	Site       string              `json:"site"`
	Status     string              `json:"status"`
	ErrorKind  *string             `json:"error_kind,omitempty"`
	ReportID   *string             `json:"report_id,omitempty"`
	Scores     map[string]*float64 `json:"scores"`
	DurationMs int64               `json:"duration_ms"`
	FinishedAt time.Time           `json:"finished_at"`
	Note       *string             `json:"note,omitempty"`
}
