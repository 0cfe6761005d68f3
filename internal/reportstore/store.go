// Package reportstore persists completed score reports as one JSON file per
// audit in a single flat directory.
//
// File names are <prefix>-<timestamp>-<token>.json where the timestamp is
// fixed width UTC, so sorting names sorts reports chronologically. The token
// keeps two saves inside the same timestamp from colliding. Files are never
// rewritten once created.
//
// A report is published by hard-linking a finished temp file to its final
// name. Where the filesystem cannot link, the final name is first reserved
// with an exclusive create and the temp file is renamed over it.
package reportstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/apperr"
	"github.com/JakeFAU/page-audit-server/internal/clock"
	"github.com/JakeFAU/page-audit-server/internal/id"
)

const (
	timestampLayout = "2006-01-02T15-04-05.000000000Z"
	tokenLength     = 8
	fileExt         = ".json"
	contentType     = "application/json"
	maxSaveAttempts = 3
)

// Mirror receives a copy of every saved report. Failures are logged, the local
// file remains authoritative.
type Mirror interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// TokenSource yields short random disambiguation tokens.
type TokenSource interface {
	Token(n int) (string, error)
}

// Config captures the parameters for the report store.
type Config struct {
	// Dir is the directory holding report files. Created on first save.
	Dir string
	// Prefix starts every report file name.
	Prefix string
}

// StoredReport identifies one persisted report.
type StoredReport struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	SavedAt   time.Time `json:"savedAt"`
	MirrorURI string    `json:"mirrorUri,omitempty"`
}

// Store is a file-based report store. It is safe for concurrent use.
type Store struct {
	dir    string
	prefix string
	idRE   *regexp.Regexp
	clock  clock.Clock
	tokens TokenSource
	mirror Mirror
	logger *zap.Logger
	link   func(oldname, newname string) error
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp identities.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithTokens overrides the token source.
func WithTokens(t TokenSource) Option {
	return func(s *Store) { s.tokens = t }
}

// WithMirror enables best-effort mirroring of saved reports.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store. The directory is not touched until the first save.
func New(cfg Config, opts ...Option) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("report directory is required")
	}
	if cfg.Prefix == "" || strings.ContainsAny(cfg.Prefix, `/\.`) {
		return nil, fmt.Errorf("invalid report prefix %q", cfg.Prefix)
	}
	s := &Store{
		dir:    filepath.Clean(cfg.Dir),
		prefix: cfg.Prefix,
		idRE: regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.Prefix) +
			`-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.\d{9}Z-[0-9a-f]{8}\.json$`),
		clock:  clock.New(),
		tokens: id.New(),
		logger: zap.NewNop(),
		link:   os.Link,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the on-disk path for a report identity.
func (s *Store) Path(reportID string) string {
	return filepath.Join(s.dir, reportID)
}

// Save writes raw verbatim under a new identity and returns it.
func (s *Store) Save(ctx context.Context, raw []byte) (StoredReport, error) {
	if err := ctx.Err(); err != nil {
		return StoredReport{}, fmt.Errorf("context canceled: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return StoredReport{}, fmt.Errorf("refusing to save empty report")
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return StoredReport{}, fmt.Errorf("create report dir %s: %w", s.dir, err)
	}

	tmpPath, err := s.writeTemp(raw)
	if err != nil {
		return StoredReport{}, err
	}
	defer func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("remove temp report failed", zap.String("path", tmpPath), zap.Error(rmErr))
		}
	}()

	var stored StoredReport
	for attempt := 1; ; attempt++ {
		stored, err = s.newIdentity()
		if err != nil {
			return StoredReport{}, err
		}
		err = s.publish(tmpPath, stored.Path)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || attempt >= maxSaveAttempts {
			return StoredReport{}, fmt.Errorf("publish report %s: %w", stored.ID, err)
		}
	}

	if s.mirror != nil {
		uri, mErr := s.mirror.PutObject(ctx, stored.ID, contentType, raw)
		if mErr != nil {
			s.logger.Warn("report mirror upload failed", zap.String("report_id", stored.ID), zap.Error(mErr))
		} else {
			stored.MirrorURI = uri
		}
	}
	return stored, nil
}

// publish moves the finished temp file to path without replacing an existing
// file. It returns an fs.ErrExist error when path is taken.
func (s *Store) publish(tmpPath, path string) error {
	linkErr := s.link(tmpPath, path)
	if linkErr == nil || errors.Is(linkErr, fs.ErrExist) {
		return linkErr
	}

	reserved, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("link failed (%v), reserve name: %w", linkErr, err)
	}
	if err := reserved.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close reserved name: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("link failed (%v), rename: %w", linkErr, err)
	}
	s.logger.Debug("published report by rename", zap.String("path", path), zap.Error(linkErr))
	return nil
}

func (s *Store) writeTemp(raw []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, ".tmp-"+s.prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp report: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("sync temp report: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp report: %w", err)
	}
	return name, nil
}

func (s *Store) newIdentity() (StoredReport, error) {
	now := s.clock.Now().UTC()
	token, err := s.tokens.Token(tokenLength)
	if err != nil {
		return StoredReport{}, fmt.Errorf("report token: %w", err)
	}
	reportID := fmt.Sprintf("%s-%s-%s%s", s.prefix, now.Format(timestampLayout), token, fileExt)
	return StoredReport{
		ID:      reportID,
		Path:    s.Path(reportID),
		SavedAt: now,
	}, nil
}

// List returns every report identity, newest first. A missing directory is an
// empty store, not an error.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read report dir %s: %w", s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !s.IsValidID(entry.Name()) {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Get returns the stored bytes for reportID. It fails with apperr.ErrNotFound
// when there is no such report and apperr.ErrCorrupt when the file is not JSON.
func (s *Store) Get(ctx context.Context, reportID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	if !s.IsValidID(reportID) {
		return nil, apperr.New(apperr.ErrNotFound, "report %q not found", reportID)
	}
	// #nosec G304 -- reportID is validated against the identity pattern above.
	data, err := os.ReadFile(s.Path(reportID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.New(apperr.ErrNotFound, "report %q not found", reportID)
		}
		return nil, fmt.Errorf("read report %s: %w", reportID, err)
	}
	if !json.Valid(data) {
		return nil, apperr.New(apperr.ErrCorrupt, "report %q is not valid JSON", reportID)
	}
	return data, nil
}

// IsValidID reports whether name has the shape of a report identity.
func (s *Store) IsValidID(name string) bool {
	return s.idRE.MatchString(name)
}

// SavedAt recovers the save time encoded in a report identity.
func (s *Store) SavedAt(reportID string) (time.Time, error) {
	if !s.IsValidID(reportID) {
		return time.Time{}, fmt.Errorf("invalid report id %q", reportID)
	}
	stamp := strings.TrimPrefix(reportID, s.prefix+"-")
	stamp = stamp[:len(timestampLayout)]
	ts, err := time.Parse(timestampLayout, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse report timestamp: %w", err)
	}
	return ts.UTC(), nil
}
