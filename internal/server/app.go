// Package server builds the audit service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/api"
	"github.com/JakeFAU/page-audit-server/internal/audit"
	"github.com/JakeFAU/page-audit-server/internal/browser"
	"github.com/JakeFAU/page-audit-server/internal/config"
	"github.com/JakeFAU/page-audit-server/internal/engine"
	"github.com/JakeFAU/page-audit-server/internal/engine/cdp"
	"github.com/JakeFAU/page-audit-server/internal/events"
	"github.com/JakeFAU/page-audit-server/internal/events/sinks"
	"github.com/JakeFAU/page-audit-server/internal/logging"
	"github.com/JakeFAU/page-audit-server/internal/metrics"
	gcppublisher "github.com/JakeFAU/page-audit-server/internal/publisher/pubsub"
	"github.com/JakeFAU/page-audit-server/internal/reportstore"
	gcsstorage "github.com/JakeFAU/page-audit-server/internal/storage/gcs"
	localstorage "github.com/JakeFAU/page-audit-server/internal/storage/local"
	pgstore "github.com/JakeFAU/page-audit-server/internal/storage/postgres"
	"github.com/JakeFAU/page-audit-server/internal/store"
	"github.com/JakeFAU/page-audit-server/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	tracing      *telemetry.Provider
	browsers     browser.Manager
	engine       engine.Engine
	reports      *reportstore.Store
	storage      *storage.Client
	ledger       *pgstore.LedgerStore
	pubsubClient *pubsub.Client
	hub          *events.Hub
	orchestrator *audit.Orchestrator
	apiServer    *api.Server

	registerer   prometheus.Registerer
	spanExporter sdktrace.SpanExporter
	closeOnce    sync.Once
}

// Option overrides a dependency Build would otherwise construct.
type Option func(*App)

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithBrowserManager replaces the Chrome launcher.
func WithBrowserManager(m browser.Manager) Option {
	return func(a *App) { a.browsers = m }
}

// WithEngine replaces the configured scoring engine.
func WithEngine(e engine.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithRegisterer registers audit collectors on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithSpanExporter sends audit spans to exp.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(a *App) { a.spanExporter = exp }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("engine", cfg.Engine.Kind),
		zap.String("report_dir", cfg.Storage.Dir),
		zap.Bool("ledger", cfg.Database.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
	)

	metrics.Init()
	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}
	if err := app.setupReports(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupLedger(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupEvents(publisher); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupEngine(); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if app.browsers == nil {
		app.browsers = browser.NewChromeManager(app.logger.Named("browser"), metrics.LiveSessions())
	}

	orchOpts := []audit.Option{
		audit.WithLogger(app.logger.Named("audit")),
		audit.WithTracer(app.tracing.Tracer()),
	}
	if app.hub != nil {
		orchOpts = append(orchOpts, audit.WithEvents(app.hub))
	}
	app.orchestrator, err = audit.New(app.browsers, app.engine, app.reports, audit.Config{
		Launch: browser.LaunchOptions{
			BinaryPath:    cfg.Browser.BinaryPath,
			Headless:      cfg.Browser.Headless,
			ExtraFlags:    cfg.Browser.ExtraFlags,
			Timeout:       cfg.LaunchTimeout(),
			ProbeInterval: time.Duration(cfg.Browser.ProbeIntervalMs) * time.Millisecond,
			ProbeTimeout:  time.Duration(cfg.Browser.ProbeTimeoutMs) * time.Millisecond,
		},
		EngineTimeout:  cfg.EngineTimeout(),
		DefaultLocale:  cfg.Engine.DefaultLocale,
		MaxWaitForLoad: time.Duration(cfg.Engine.MaxWaitForLoadMs) * time.Millisecond,
		MaxWaitForFCP:  time.Duration(cfg.Engine.MaxWaitForFCPMs) * time.Millisecond,
	}, orchOpts...)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	var ledger store.LedgerRepository
	if app.ledger != nil {
		ledger = app.ledger
	}
	app.apiServer = api.NewServer(
		app.orchestrator,
		app.reports,
		ledger,
		api.Config{RequestTimeout: cfg.RequestTimeout()},
		app.logger.Named("api"),
	)
	return app, nil
}

// Orchestrator returns the audit orchestrator.
func (a *App) Orchestrator() *audit.Orchestrator {
	return a.orchestrator
}

// Reports returns the report store.
func (a *App) Reports() *reportstore.Store {
	return a.reports
}

// Ledger returns the audit ledger, or nil when no database is configured.
func (a *App) Ledger() store.LedgerRepository {
	if a.ledger == nil {
		return nil
	}
	return a.ledger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run listens on the configured port and blocks until ctx is canceled or a
// SIGINT/SIGTERM arrives, then shuts down and closes the App.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		_ = a.Close(ctx)
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readHeader := time.Duration(a.cfg.Server.ReadHeaderTimeoutSeconds) * time.Second
	if readHeader <= 0 {
		readHeader = 5 * time.Second
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeader,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close drains lifecycle events and releases external clients. Only the first
// call does anything.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.ledger != nil {
		a.ledger.Close()
		a.ledger = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) setupTracing(ctx context.Context) error {
	exporter := a.spanExporter
	if exporter == nil && a.cfg.Telemetry.TracingEnabled && a.cfg.Telemetry.Exporter == "gcp" {
		exp, err := texporter.New(texporter.WithProjectID(a.cfg.Telemetry.ProjectID))
		if err != nil {
			return fmt.Errorf("cloud trace exporter init failed: %w", err)
		}
		exporter = exp
		a.logger.Info("exporting spans to Cloud Trace", zap.String("project", a.cfg.Telemetry.ProjectID))
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry, exporter)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracing = tp
	return nil
}

func (a *App) setupReports(ctx context.Context) error {
	storeOpts := []reportstore.Option{reportstore.WithLogger(a.logger.Named("reports"))}
	if bucket := a.cfg.Storage.GCSBucket; bucket != "" {
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		mirror, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: bucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return fmt.Errorf("gcs mirror init failed: %w", err)
		}
		storeOpts = append(storeOpts, reportstore.WithMirror(mirror))
		a.logger.Info("mirroring reports to GCS", zap.String("bucket", bucket))
	}
	if dir := a.cfg.Storage.MirrorDir; dir != "" {
		mirror, err := localstorage.New(localstorage.Config{Dir: dir})
		if err != nil {
			return fmt.Errorf("directory mirror init failed: %w", err)
		}
		storeOpts = append(storeOpts, reportstore.WithMirror(mirror))
		a.logger.Info("mirroring reports to directory", zap.String("dir", dir))
	}
	reports, err := reportstore.New(reportstore.Config{
		Dir:    a.cfg.Storage.Dir,
		Prefix: a.cfg.Storage.Prefix,
	}, storeOpts...)
	if err != nil {
		return fmt.Errorf("report store init failed: %w", err)
	}
	a.reports = reports
	return nil
}

func (a *App) setupLedger(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database DSN configured, audit ledger disabled")
		return nil
	}
	ledger, err := pgstore.NewLedgerStore(ctx, pgstore.LedgerConfig{
		DSN:      a.cfg.Database.DSN,
		Table:    a.cfg.Database.Table,
		MaxConns: a.cfg.Database.MaxConns,
		MinConns: a.cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("ledger store init failed: %w", err)
	}
	a.ledger = ledger
	if err := ledger.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ledger schema init failed: %w", err)
	}
	a.logger.Info("audit ledger initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (sinks.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, completion notifications disabled")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	topic := a.pubsubClient.Topic(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(topic), nil
}

func (a *App) setupEvents(publisher sinks.Publisher) error {
	if !a.cfg.Events.Enabled {
		a.logger.Info("audit events disabled")
		return nil
	}
	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{promSink}
	if a.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("audit_events")))
	}
	if a.ledger != nil {
		sinkList = append(sinkList, sinks.NewLedgerSink(a.ledger))
	}
	if publisher != nil {
		sinkList = append(sinkList, sinks.NewPubSubSink(publisher, a.logger.Named("audit_pubsub")))
	}
	hubCfg := events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Events.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Events.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("event_hub"),
	}
	a.hub = events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupEngine() error {
	if a.engine != nil {
		return nil
	}
	switch a.cfg.Engine.Kind {
	case config.EngineCDP:
		a.engine = cdp.New(cdp.WithLogger(a.logger.Named("cdp")))
	default:
		lh, err := engine.NewLighthouse(engine.LighthouseConfig{
			Path:       a.cfg.Engine.LighthousePath,
			StderrTail: a.cfg.Engine.StderrTailBytes,
		}, engine.WithLogger(a.logger.Named("lighthouse")))
		if err != nil {
			return fmt.Errorf("lighthouse engine init failed: %w", err)
		}
		a.engine = lh
	}
	a.logger.Info("scoring engine selected", zap.String("kind", a.cfg.Engine.Kind))
	return nil
}
