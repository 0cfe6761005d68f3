package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/store"
)

type mockLedgerRepo struct {
	records   []store.AuditRecord
	err       error
	lastLimit int
}

func (m *mockLedgerRepo) RecordAudit(context.Context, store.AuditRecord) error {
	return m.err
}

func (m *mockLedgerRepo) RecentAudits(_ context.Context, limit int) ([]store.AuditRecord, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

func sampleRecords() []store.AuditRecord {
	kind := "SCORING_ERROR"
	reportID := "lighthouse-2026-01-02T03-04-05.000000000Z-0123abcd.json"
	score := 0.91
	return []store.AuditRecord{
		{
			AuditID:    uuid.New(),
			URL:        "https://example.com",
			Site:       "example.com",
			Status:     store.AuditSuccess,
			ReportID:   &reportID,
			Scores:     map[string]*float64{"performance": &score},
			Duration:   1500 * time.Millisecond,
			FinishedAt: time.Now(),
		},
		{
			AuditID:    uuid.New(),
			URL:        "https://broken.example",
			Site:       "broken.example",
			Status:     store.AuditError,
			ErrorKind:  &kind,
			FinishedAt: time.Now().Add(-time.Minute),
		},
	}
}

func TestLedgerHandlerRecentAudits(t *testing.T) {
	t.Parallel()

	repo := &mockLedgerRepo{records: sampleRecords()}
	handler := NewLedgerHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/audits?limit=10", nil)
	rec := httptest.NewRecorder()
	handler.RecentAudits(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10, repo.lastLimit)
	var body struct {
		Audits []auditDTO `json:"audits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Audits, 2)
	require.Equal(t, int64(1500), body.Audits[0].DurationMs)
	require.NotNil(t, body.Audits[1].ErrorKind)
}

func TestLedgerHandlerStatusFilter(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(&mockLedgerRepo{records: sampleRecords()}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/audits?status=failed", nil)
	rec := httptest.NewRecorder()
	handler.RecentAudits(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Audits []auditDTO `json:"audits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Audits, 1)
	require.Equal(t, "error", body.Audits[0].Status)
}

func TestLedgerHandlerLimitClamped(t *testing.T) {
	t.Parallel()

	repo := &mockLedgerRepo{}
	handler := NewLedgerHandler(repo, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.RecentAudits(rec, httptest.NewRequest(http.MethodGet, "/audits?limit=100000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxAuditLimit, repo.lastLimit)
	require.JSONEq(t, `{"audits":[]}`, rec.Body.String())
}

func TestLedgerHandlerBadRequests(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(&mockLedgerRepo{}, zap.NewNop())
	for _, path := range []string{"/audits?limit=-1", "/audits?limit=abc", "/audits?status=pending"} {
		rec := httptest.NewRecorder()
		handler.RecentAudits(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestLedgerHandlerUnavailableAndFailing(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewLedgerHandler(nil, nil).RecentAudits(rec, httptest.NewRequest(http.MethodGet, "/audits", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewLedgerHandler(&mockLedgerRepo{err: errors.New("db down")}, zap.NewNop()).
		RecentAudits(rec, httptest.NewRequest(http.MethodGet, "/audits", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
