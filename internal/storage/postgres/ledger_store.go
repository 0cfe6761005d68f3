// Package postgres provides the Postgres-backed audit ledger.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/page-audit-server/internal/store"
)

const defaultTable = "audit_ledger"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for ledger rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// LedgerStore implements store.LedgerRepository.
type LedgerStore struct {
	pool  pool
	table string
}

var _ store.LedgerRepository = (*LedgerStore)(nil)

// NewLedgerStore connects to Postgres using cfg.
func NewLedgerStore(ctx context.Context, cfg LedgerConfig) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LedgerStore{pool: p, table: table}, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(p pool, table string) (*LedgerStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger table and its time index when missing.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	audit_id    UUID PRIMARY KEY,
	url         TEXT NOT NULL,
	site        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error_kind  TEXT,
	report_id   TEXT,
	scores      JSONB NOT NULL DEFAULT '{}'::jsonb,
	duration_ms BIGINT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	note        TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_finished_at_idx ON %s (finished_at DESC)`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create ledger index: %w", err)
	}
	return nil
}

// RecordAudit inserts one ledger row.
func (s *LedgerStore) RecordAudit(ctx context.Context, rec store.AuditRecord) error {
	if rec.AuditID == uuid.Nil {
		return fmt.Errorf("audit id is required")
	}
	scores := rec.Scores
	if scores == nil {
		scores = map[string]*float64{}
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	audit_id,
	url,
	site,
	status,
	error_kind,
	report_id,
	scores,
	duration_ms,
	finished_at,
	note
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) ON CONFLICT (audit_id) DO NOTHING`, s.table)

	args := []any{
		rec.AuditID,
		rec.URL,
		rec.Site,
		string(rec.Status),
		rec.ErrorKind,
		rec.ReportID,
		scoresJSON,
		rec.Duration.Milliseconds(),
		rec.FinishedAt,
		rec.Note,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}

// RecentAudits returns up to limit rows ordered by finish time, newest first.
func (s *LedgerStore) RecentAudits(ctx context.Context, limit int) ([]store.AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT audit_id::text, url, site, status,
	COALESCE(error_kind, ''), COALESCE(report_id, ''),
	scores, duration_ms, finished_at, COALESCE(note, '')
FROM %s
ORDER BY finished_at DESC
LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []store.AuditRecord
	for rows.Next() {
		var (
			id, url, site, status string
			kind, reportID, note  string
			scoresJSON            []byte
			durationMs            int64
			finishedAt            time.Time
		)
		if err := rows.Scan(&id, &url, &site, &status, &kind, &reportID, &scoresJSON, &durationMs, &finishedAt, &note); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		auditID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse audit id %q: %w", id, err)
		}
		scores := map[string]*float64{}
		if len(scoresJSON) > 0 {
			if err := json.Unmarshal(scoresJSON, &scores); err != nil {
				return nil, fmt.Errorf("decode scores for %s: %w", id, err)
			}
		}
		out = append(out, store.AuditRecord{
			AuditID:    auditID,
			URL:        url,
			Site:       site,
			Status:     store.AuditStatus(status),
			ErrorKind:  optional(kind),
			ReportID:   optional(reportID),
			Scores:     scores,
			Duration:   time.Duration(durationMs) * time.Millisecond,
			FinishedAt: finishedAt,
			Note:       optional(note),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
