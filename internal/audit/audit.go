// Package audit runs one page audit end to end: validate the target, acquire a
// private browser, score the page, validate and persist the report, and release
// the browser on every exit path.
package audit

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/apperr"
	"github.com/JakeFAU/page-audit-server/internal/browser"
	"github.com/JakeFAU/page-audit-server/internal/clock"
	"github.com/JakeFAU/page-audit-server/internal/engine"
	"github.com/JakeFAU/page-audit-server/internal/events"
	"github.com/JakeFAU/page-audit-server/internal/id"
	"github.com/JakeFAU/page-audit-server/internal/metrics"
	"github.com/JakeFAU/page-audit-server/internal/report"
	"github.com/JakeFAU/page-audit-server/internal/reportstore"
)

// Audit phases, as logged and attached to spans.
const (
	PhaseValidate = "validate"
	PhaseLaunch   = "launch"
	PhaseScore    = "score"
	PhasePersist  = "persist"
)

// ReportSaver persists raw reports.
type ReportSaver interface {
	Save(ctx context.Context, raw []byte) (reportstore.StoredReport, error)
}

// IDSource generates audit ids.
type IDSource interface {
	NewID() (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	Launch         browser.LaunchOptions
	EngineTimeout  time.Duration
	DefaultLocale  string
	MaxWaitForLoad time.Duration
	MaxWaitForFCP  time.Duration
}

// Request is one audit request.
type Request struct {
	URL    string
	Locale string
	// Options select categories and emulation; Locale above wins over
	// Options.Locale.
	Options engine.Options
}

// Outcome is a completed, persisted audit.
type Outcome struct {
	AuditID   string
	URL       string
	Locale    string
	Timestamp time.Time
	Report    *report.ScoreReport
	Stored    reportstore.StoredReport
}

// Orchestrator runs audits. It holds no per-audit state, so concurrent Run
// calls proceed independently, each with its own browser.
type Orchestrator struct {
	browsers browser.Manager
	engine   engine.Engine
	reports  ReportSaver
	cfg      Config
	events   events.Emitter
	tracer   trace.Tracer
	logger   *zap.Logger
	clock    clock.Clock
	ids      IDSource
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEvents attaches a lifecycle event emitter.
func WithEvents(e events.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.events = e
		}
	}
}

// WithTracer attaches an OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithIDs overrides audit id generation.
func WithIDs(ids IDSource) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// New builds an Orchestrator.
func New(browsers browser.Manager, eng engine.Engine, reports ReportSaver, cfg Config, opts ...Option) (*Orchestrator, error) {
	if browsers == nil {
		return nil, errors.New("browser manager is required")
	}
	if eng == nil {
		return nil, errors.New("scoring engine is required")
	}
	if reports == nil {
		return nil, errors.New("report store is required")
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 120 * time.Second
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en-US"
	}
	o := &Orchestrator{
		browsers: browsers,
		engine:   eng,
		reports:  reports,
		cfg:      cfg,
		events:   events.Discard,
		tracer:   noop.NewTracerProvider().Tracer("audit"),
		logger:   zap.NewNop(),
		clock:    clock.New(),
		ids:      id.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, apperr.New(apperr.ErrInput, "URL parameter is required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInput, err, "invalid URL %q", trimmed)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.New(apperr.ErrInput, "invalid URL %q: scheme must be http or https", trimmed)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, apperr.New(apperr.ErrInput, "invalid URL %q: host is required", trimmed)
	}
	return u, nil
}

// run is the per-audit state threaded through the phases.
type run struct {
	id     string
	key    [16]byte
	url    string
	site   string
	start  time.Time
	phase  string
	span   trace.Span
	logger *zap.Logger
}

// Run executes one audit. Every returned error carries an apperr kind: input,
// launch, scoring or persistence.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	r := o.begin(req)
	ctx, r.span = o.tracer.Start(ctx, "audit", trace.WithAttributes(
		attribute.String("audit.id", r.id),
		attribute.String("audit.url", req.URL),
	))
	defer r.span.End()
	o.emit(ctx, r, events.Event{Stage: events.StageAuditStart})

	out, err := o.execute(ctx, r, req)
	if err != nil {
		o.fail(ctx, r, err)
		return nil, err
	}
	scores := scoreMap(out.Report)
	o.emit(ctx, r, events.Event{
		Stage:    events.StageAuditDone,
		ReportID: out.Stored.ID,
		Scores:   scores,
		Dur:      o.clock.Now().Sub(r.start),
	})
	r.span.SetAttributes(attribute.String("audit.report_id", out.Stored.ID))
	r.logger.Info("audit complete",
		zap.String("report_id", out.Stored.ID),
		zap.Any("scores", out.Report.Summary()),
		zap.Duration("elapsed", o.clock.Now().Sub(r.start)),
	)
	return out, nil
}

func (o *Orchestrator) begin(req Request) *run {
	auditID, err := o.ids.NewID()
	if err != nil {
		auditID = uuid.NewString()
	}
	var key [16]byte
	if parsed, err := uuid.Parse(auditID); err == nil {
		key = events.UUIDToBytes(parsed)
	}
	return &run{
		id:     auditID,
		key:    key,
		url:    req.URL,
		site:   events.SiteOf(req.URL),
		start:  o.clock.Now(),
		phase:  PhaseValidate,
		logger: o.logger.With(zap.String("audit_id", auditID), zap.String("url", req.URL)),
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run, req Request) (*Outcome, error) {
	target, err := ValidateURL(req.URL)
	if err != nil {
		return nil, err
	}
	locale := req.Locale
	if locale == "" {
		locale = req.Options.Locale
	}
	if locale == "" {
		locale = o.cfg.DefaultLocale
	}
	opts := req.Options
	opts.Locale = locale
	opts = opts.WithWaits(o.cfg.MaxWaitForLoad, o.cfg.MaxWaitForFCP)

	r.phase = PhaseLaunch
	sess, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, r, sess)

	r.phase = PhaseScore
	rep, err := o.score(ctx, r, sess, target.String(), opts)
	if err != nil {
		return nil, err
	}

	r.phase = PhasePersist
	stored, err := o.persist(ctx, r, rep)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		AuditID:   r.id,
		URL:       req.URL,
		Locale:    locale,
		Timestamp: r.start.UTC(),
		Report:    rep,
		Stored:    stored,
	}, nil
}

func (o *Orchestrator) acquire(ctx context.Context, r *run) (*browser.Session, error) {
	ctx, span := o.tracer.Start(ctx, "audit.acquire")
	defer span.End()
	started := o.clock.Now()
	sess, err := o.browsers.Acquire(ctx, o.cfg.Launch)
	if err != nil {
		if apperr.KindOf(err) == nil {
			err = apperr.Wrap(apperr.ErrLaunch, err, "browser launch failed")
		}
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("browser.debug_port", sess.DebugPort))
	o.emit(ctx, r, events.Event{Stage: events.StageSessionAcquired, Dur: o.clock.Now().Sub(started)})
	return sess, nil
}

func (o *Orchestrator) release(ctx context.Context, r *run, sess *browser.Session) {
	_, span := o.tracer.Start(ctx, "audit.release")
	defer span.End()
	o.browsers.Release(sess)
	o.emit(ctx, r, events.Event{Stage: events.StageSessionReleased, Dur: o.clock.Now().Sub(sess.StartedAt)})
}

func (o *Orchestrator) score(ctx context.Context, r *run, sess *browser.Session, target string, opts engine.Options) (*report.ScoreReport, error) {
	ctx, span := o.tracer.Start(ctx, "audit.score")
	defer span.End()
	started := o.clock.Now()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()
	res, err := o.engine.Run(runCtx, engine.Target{
		URL:          target,
		DebugPort:    sess.DebugPort,
		WebSocketURL: sess.WebSocketURL,
		Options:      opts,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = apperr.Wrap(apperr.ErrScoring, err, "scoring timed out after %s", o.cfg.EngineTimeout)
		} else {
			err = apperr.Wrap(apperr.ErrScoring, err, "scoring engine failed")
		}
		recordSpanError(span, err)
		return nil, err
	}
	if res == nil {
		err := apperr.New(apperr.ErrScoring, "scoring engine returned no result")
		recordSpanError(span, err)
		return nil, err
	}
	raw := bytes.TrimSpace(res.LHR)
	rep, err := report.Parse(raw)
	if err != nil {
		if errors.Is(err, report.ErrEmpty) {
			err = apperr.Wrap(apperr.ErrScoring, err, "scoring engine returned an empty report")
		} else {
			err = apperr.Wrap(apperr.ErrScoring, err, "scoring engine returned an incomplete report")
		}
		recordSpanError(span, err)
		return nil, err
	}
	if len(rep.Categories) == 0 {
		err := apperr.New(apperr.ErrScoring, "scoring engine returned a report without categories")
		recordSpanError(span, err)
		return nil, err
	}
	o.emit(ctx, r, events.Event{Stage: events.StageScored, Scores: scoreMap(rep), Dur: o.clock.Now().Sub(started)})
	return rep, nil
}

func (o *Orchestrator) persist(ctx context.Context, r *run, rep *report.ScoreReport) (reportstore.StoredReport, error) {
	ctx, span := o.tracer.Start(ctx, "audit.persist")
	defer span.End()
	started := o.clock.Now()

	stored, err := o.reports.Save(ctx, rep.Raw)
	if err != nil {
		metrics.ObserveReportStored("error")
		err = apperr.Wrap(apperr.ErrPersistence, err, "failed to save report")
		recordSpanError(span, err)
		return reportstore.StoredReport{}, err
	}
	metrics.ObserveReportStored("ok")
	o.emit(ctx, r, events.Event{Stage: events.StageReportSaved, ReportID: stored.ID, Dur: o.clock.Now().Sub(started)})
	return stored, nil
}

// fail logs the failure once and emits the terminal error event.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) {
	kind := "UNKNOWN"
	if k := apperr.KindOf(err); k != nil {
		kind = k.Error()
	}
	recordSpanError(r.span, err)
	r.span.SetAttributes(attribute.String("audit.phase", r.phase), attribute.String("audit.error_kind", kind))
	r.logger.Error("audit failed",
		zap.String("phase", r.phase),
		zap.String("kind", kind),
		zap.Error(err),
	)
	o.emit(ctx, r, events.Event{
		Stage: events.StageAuditError,
		Kind:  kind,
		Note:  err.Error(),
		Dur:   o.clock.Now().Sub(r.start),
	})
}

func (o *Orchestrator) emit(ctx context.Context, r *run, evt events.Event) {
	evt.AuditID = r.key
	evt.TS = o.clock.Now().UTC()
	evt.URL = r.url
	evt.Site = r.site
	evt.Span = trace.SpanContextFromContext(ctx)
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	o.events.Emit(evt)
}

func scoreMap(rep *report.ScoreReport) map[string]*float64 {
	if rep == nil {
		return nil
	}
	out := make(map[string]*float64, len(rep.Categories))
	for name, cat := range rep.Categories {
		out[name] = cat.Score
	}
	return out
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperr.Message(err))
}
