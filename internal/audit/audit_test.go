package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/page-audit-server/internal/apperr"
	"github.com/JakeFAU/page-audit-server/internal/audit"
	"github.com/JakeFAU/page-audit-server/internal/browser"
	"github.com/JakeFAU/page-audit-server/internal/engine"
	"github.com/JakeFAU/page-audit-server/internal/events"
	"github.com/JakeFAU/page-audit-server/internal/reportstore"
)

const validLHR = `{"finalUrl":"https://example.com/","fetchTime":"2026-01-02T03:04:05.000Z",` +
	`"categories":{"performance":{"id":"performance","title":"Performance","score":0.93},` +
	`"seo":{"id":"seo","title":"SEO","score":null}},"audits":{"first-contentful-paint":{"score":1}}}`

type fakeManager struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
	opts     []browser.LaunchOptions
}

func (m *fakeManager) Acquire(_ context.Context, opts browser.LaunchOptions) (*browser.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = append(m.opts, opts)
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	return &browser.Session{ID: "s", DebugPort: 9222, WebSocketURL: "ws://127.0.0.1:9222/devtools/browser/x", StartedAt: time.Now()}, nil
}

func (m *fakeManager) Release(*browser.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *fakeManager) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

type fakeEngine struct {
	mu      sync.Mutex
	result  *engine.Result
	err     error
	block   bool
	targets []engine.Target
}

func (e *fakeEngine) Run(ctx context.Context, target engine.Target) (*engine.Result, error) {
	e.mu.Lock()
	e.targets = append(e.targets, target)
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return e.result, e.err
}

type failingSaver struct{ err error }

func (f failingSaver) Save(context.Context, []byte) (reportstore.StoredReport, error) {
	return reportstore.StoredReport{}, f.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []events.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fixture struct {
	manager *fakeManager
	engine  *fakeEngine
	store   *reportstore.Store
	dir     string
	events  *recorder
	logs    *observer.ObservedLogs
	spans   *tracetest.InMemoryExporter
	orch    *audit.Orchestrator
}

func newFixture(t *testing.T, mutate func(*fixture)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := reportstore.New(reportstore.Config{Dir: dir, Prefix: "lighthouse"})
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := &fixture{
		manager: &fakeManager{},
		engine:  &fakeEngine{result: &engine.Result{LHR: json.RawMessage(validLHR)}},
		store:   store,
		dir:     dir,
		events:  &recorder{},
		logs:    logs,
		spans:   spans,
	}
	if mutate != nil {
		mutate(f)
	}
	orch, err := audit.New(f.manager, f.engine, f.store, audit.Config{
		Launch:         browser.LaunchOptions{Headless: true},
		EngineTimeout:  time.Second,
		DefaultLocale:  "en-US",
		MaxWaitForLoad: 45 * time.Second,
		MaxWaitForFCP:  30 * time.Second,
	},
		audit.WithEvents(f.events),
		audit.WithLogger(zap.New(core)),
		audit.WithTracer(tp.Tracer("test")),
	)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) files(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	return entries
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	out, err := f.orch.Run(context.Background(), audit.Request{
		URL:     "https://example.com",
		Options: engine.GeneralOptions(""),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, out.AuditID)
	assert.Equal(t, "https://example.com", out.URL)
	assert.Equal(t, "en-US", out.Locale)
	assert.False(t, out.Timestamp.IsZero())
	require.NotNil(t, out.Report)
	assert.Equal(t, "https://example.com/", out.Report.FinalURL)

	acquired, released := f.manager.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)

	got, err := f.store.Get(context.Background(), out.Stored.ID)
	require.NoError(t, err)
	assert.JSONEq(t, validLHR, string(got))
	assert.Len(t, f.files(t), 1)

	require.Len(t, f.engine.targets, 1)
	target := f.engine.targets[0]
	assert.Equal(t, 9222, target.DebugPort)
	assert.Equal(t, "en-US", target.Options.Locale)
	assert.Equal(t, 45*time.Second, target.Options.MaxWaitForLoad)

	assert.Equal(t, []events.Stage{
		events.StageAuditStart,
		events.StageSessionAcquired,
		events.StageScored,
		events.StageReportSaved,
		events.StageSessionReleased,
		events.StageAuditDone,
	}, f.events.stages())

	names := map[string]bool{}
	for _, s := range f.spans.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{"audit", "audit.acquire", "audit.score", "audit.persist", "audit.release"} {
		assert.True(t, names[want], "missing span %s", want)
	}
}

func TestRunLocaleOverridesDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	out, err := f.orch.Run(context.Background(), audit.Request{URL: "https://example.com", Locale: "de"})
	require.NoError(t, err)
	assert.Equal(t, "de", out.Locale)
	assert.Equal(t, "de", f.engine.targets[0].Options.Locale)
}

func TestRunInvalidURLNeverAcquires(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not-a-url", "ftp://example.com", "https://", "http:///path", "javascript:alert(1)"} {
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			_, err := f.orch.Run(context.Background(), audit.Request{URL: raw})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrInput)
			acquired, released := f.manager.counts()
			assert.Zero(t, acquired)
			assert.Zero(t, released)
			assert.Empty(t, f.engine.targets)
			assert.Empty(t, f.files(t))
		})
	}
}

func TestRunLaunchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(f *fixture) {
		f.manager.err = errors.New("chrome not found")
	})
	_, err := f.orch.Run(context.Background(), audit.Request{URL: "https://example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrLaunch)
	assert.Contains(t, apperr.Details(err), "chrome not found")
	assert.Empty(t, f.engine.targets)
	assert.Empty(t, f.files(t))

	stages := f.events.stages()
	assert.Equal(t, events.StageAuditError, stages[len(stages)-1])
}

func TestRunScoringFailuresReleaseAndWriteNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		engine fakeEngine
		detail string
	}{
		{name: "engine error", engine: fakeEngine{err: errors.New("lighthouse failed: exit status 1: NO_FCP")}, detail: "NO_FCP"},
		{name: "nil result", engine: fakeEngine{}},
		{name: "empty lhr", engine: fakeEngine{result: &engine.Result{}}},
		{name: "null lhr", engine: fakeEngine{result: &engine.Result{LHR: json.RawMessage("null")}}},
		{name: "missing categories", engine: fakeEngine{result: &engine.Result{
			LHR: json.RawMessage(`{"finalUrl":"https://example.com/","fetchTime":"2026-01-02T03:04:05Z","audits":{}}`),
		}}, detail: "categories"},
		{name: "empty categories", engine: fakeEngine{result: &engine.Result{
			LHR: json.RawMessage(`{"finalUrl":"https://example.com/","fetchTime":"2026-01-02T03:04:05Z","categories":{},"audits":{}}`),
		}}},
		{name: "timeout", engine: fakeEngine{block: true}, detail: "deadline exceeded"},
	}
	for i := range tests {
		tc := &tests[i]
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(f *fixture) {
				f.engine = &fakeEngine{result: tc.engine.result, err: tc.engine.err, block: tc.engine.block}
			})
			_, err := f.orch.Run(context.Background(), audit.Request{URL: "https://example.com"})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrScoring)
			if tc.detail != "" {
				assert.Contains(t, err.Error(), tc.detail)
			}
			acquired, released := f.manager.counts()
			assert.Equal(t, 1, acquired)
			assert.Equal(t, 1, released)
			assert.Empty(t, f.files(t), "no report may be written")
		})
	}
}

func TestRunPersistenceFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orch, err := audit.New(f.manager, f.engine, failingSaver{err: errors.New("disk full")}, audit.Config{})
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), audit.Request{URL: "https://example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	_, released := f.manager.counts()
	assert.Equal(t, 1, released)
}

func TestRunLogsFailureOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(f *fixture) {
		f.engine = &fakeEngine{}
	})
	_, err := f.orch.Run(context.Background(), audit.Request{URL: "https://example.com"})
	require.Error(t, err)

	failures := f.logs.FilterMessage("audit failed").All()
	require.Len(t, failures, 1)
	fields := failures[0].ContextMap()
	assert.Equal(t, "https://example.com", fields["url"])
	assert.Equal(t, audit.PhaseScore, fields["phase"])
	assert.Equal(t, "SCORING_ERROR", fields["kind"])
	assert.NotEmpty(t, fields["audit_id"])
}

func TestConcurrentRunsEachOwnASession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.orch.Run(context.Background(), audit.Request{URL: "https://example.com"})
			errs[i] = err
			if out != nil {
				ids[i] = out.Stored.ID
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		assert.False(t, seen[ids[i]], "duplicate report id %s", ids[i])
		seen[ids[i]] = true
	}
	acquired, released := f.manager.counts()
	assert.Equal(t, n, acquired)
	assert.Equal(t, n, released)
	assert.Len(t, f.files(t), n)
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := audit.New(nil, &fakeEngine{}, failingSaver{}, audit.Config{})
	require.Error(t, err)
	_, err = audit.New(&fakeManager{}, nil, failingSaver{}, audit.Config{})
	require.Error(t, err)
	_, err = audit.New(&fakeManager{}, &fakeEngine{}, nil, audit.Config{})
	require.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	u, err := audit.ValidateURL("  https://example.com/path?q=1 ")
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Host)

	_, err = audit.ValidateURL("mailto:someone@example.com")
	assert.ErrorIs(t, err, apperr.ErrInput)
}
