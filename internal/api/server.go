package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/apperr"
	"github.com/JakeFAU/page-audit-server/internal/audit"
	"github.com/JakeFAU/page-audit-server/internal/engine"
	"github.com/JakeFAU/page-audit-server/internal/metrics"
	"github.com/JakeFAU/page-audit-server/internal/report"
	"github.com/JakeFAU/page-audit-server/internal/store"
)

const defaultRequestTimeout = 210 * time.Second

// Auditor runs one audit to completion.
type Auditor interface {
	Run(ctx context.Context, req audit.Request) (*audit.Outcome, error)
}

// ReportReader reads persisted reports.
type ReportReader interface {
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, reportID string) (json.RawMessage, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// RequestTimeout bounds one request end to end, audits included.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and the report store.
type Server struct {
	router  chi.Router
	auditor Auditor
	reports ReportReader
	ledger  *LedgerHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ledger may be nil,
// in which case /audits answers 503.
func NewServer(
	auditor Auditor,
	reports ReportReader,
	ledger store.LedgerRepository,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		auditor: auditor,
		reports: reports,
		ledger:  NewLedgerHandler(ledger, logger),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/nsa-audit", s.generalAudit)
	r.Get("/performance-audit", s.performanceAudit)

	r.Get("/reports", s.listReports)
	r.Get("/reports/{id}", s.getReport)
	r.Get("/audits", s.ledger.RecentAudits)
	r.Get("/viewer", viewer)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type auditResponse struct {
	Success          bool                `json:"success"`
	URL              string              `json:"url"`
	Timestamp        time.Time           `json:"timestamp"`
	Locale           string              `json:"locale"`
	LighthouseResult *report.ScoreReport `json:"lighthouseResult"`
	ReportPath       string              `json:"reportPath"`
	ReportID         string              `json:"reportId"`
	AuditID          string              `json:"auditId"`
}

type auditErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) generalAudit(w http.ResponseWriter, r *http.Request) {
	opts := engine.GeneralOptions("")
	categories, err := parseCategories(r.URL.Query().Get("categories"))
	if err != nil {
		writeAuditError(w, err)
		return
	}
	if len(categories) > 0 {
		opts.Categories = categories
	}
	s.runAudit(w, r, opts)
}

func (s *Server) performanceAudit(w http.ResponseWriter, r *http.Request) {
	s.runAudit(w, r, engine.PerformanceOptions(""))
}

func (s *Server) runAudit(w http.ResponseWriter, r *http.Request, opts engine.Options) {
	q := r.URL.Query()
	out, err := s.auditor.Run(r.Context(), audit.Request{
		URL:     q.Get("url"),
		Locale:  strings.TrimSpace(q.Get("locale")),
		Options: opts,
	})
	if err != nil {
		writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{
		Success:          true,
		URL:              out.URL,
		Timestamp:        out.Timestamp,
		Locale:           out.Locale,
		LighthouseResult: out.Report,
		ReportPath:       out.Stored.Path,
		ReportID:         out.Stored.ID,
		AuditID:          out.AuditID,
	})
}

// parseCategories splits a comma list and rejects names the engines do not know.
func parseCategories(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if !report.IsKnownCategory(name) {
			return nil, apperr.New(apperr.ErrInput, "unknown category %q", name)
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	ids, err := s.reports.List(r.Context())
	if err != nil {
		s.logger.Error("list reports failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list reports")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "id")
	raw, err := s.reports.Get(r.Context(), reportID)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, "Report not found")
		return
	case errors.Is(err, apperr.ErrCorrupt):
		s.logger.Error("stored report is corrupt", zap.String("report_id", reportID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Report is corrupt")
		return
	default:
		s.logger.Error("read report failed", zap.String("report_id", reportID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read report")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("write report failed", zap.String("report_id", reportID), zap.Error(err))
	}
}

func writeAuditError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(apperr.KindOf(err)), auditErrorResponse{
		Success: false,
		Error:   apperr.Message(err),
		Details: apperr.Details(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
