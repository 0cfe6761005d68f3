// Package cdp implements a performance-only scoring engine that drives the
// browser session directly over the DevTools protocol, with no Node runtime.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/clock"
	"github.com/JakeFAU/page-audit-server/internal/engine"
)

const (
	defaultLoadWait = 45 * time.Second
	defaultFCPWait  = 30 * time.Second
)

// ErrNoFCP is returned when the page never painted any content.
var ErrNoFCP = errors.New("page did not paint any content (NO_FCP)")

type viewport struct {
	width  int64
	height int64
	scale  float64
	mobile bool
}

var viewports = map[string]viewport{
	engine.FormFactorMobile:  {width: 412, height: 823, scale: 1.75, mobile: true},
	engine.FormFactorDesktop: {width: 1350, height: 940, scale: 1, mobile: false},
}

// Engine scores page performance over CDP.
type Engine struct {
	logger *zap.Logger
	clock  clock.Clock
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock used for fetchTime.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// New creates a CDP engine.
func New(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop(), clock: clock.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, target engine.Target) (*engine.Result, error) {
	if target.WebSocketURL == "" {
		return nil, errors.New("cdp engine needs a browser websocket url")
	}
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, target.WebSocketURL)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	m, err := e.measure(tabCtx, target)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(buildReport(m, target.Options))
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return &engine.Result{LHR: raw}, nil
}

type pageTimings struct {
	FCP       float64 `json:"fcp"`
	DOMLoaded float64 `json:"dcl"`
	Load      float64 `json:"load"`
	UserAgent string  `json:"ua"`
}

func (e *Engine) measure(ctx context.Context, target engine.Target) (measurement, error) {
	opts := target.Options.WithWaits(defaultLoadWait, defaultFCPWait)
	vp, ok := viewports[opts.FormFactor]
	if !ok {
		vp = viewports[engine.FormFactorMobile]
	}

	meta := newDocumentMeta()
	chromedp.ListenTarget(ctx, meta.captureEvent)

	m := measurement{RequestedURL: target.URL, FetchTime: e.clock.Now()}
	start := time.Now()

	if err := chromedp.Run(ctx, setupAction(vp, opts.Locale)); err != nil {
		return m, fmt.Errorf("prepare page: %w", err)
	}

	loadCtx, cancelLoad := context.WithTimeout(ctx, opts.MaxWaitForLoad)
	err := chromedp.Run(loadCtx, chromedp.Navigate(target.URL), chromedp.Location(&m.FinalURL))
	cancelLoad()
	if err != nil {
		return m, fmt.Errorf("load %s: %w", target.URL, err)
	}

	var timings pageTimings
	var metrics []*performance.Metric
	collect := chromedp.Tasks{
		chromedp.Evaluate(timingScript(opts.MaxWaitForFCP), &timings, awaitPromise),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			metrics, err = performance.GetMetrics().Do(ctx)
			if err != nil {
				return fmt.Errorf("get performance metrics: %w", err)
			}
			return nil
		}),
	}
	if err := chromedp.Run(ctx, collect); err != nil {
		return m, fmt.Errorf("collect timings: %w", err)
	}

	status, docURL := meta.snapshot()
	m.Status = status
	if docURL != "" {
		m.FinalURL = docURL
	}
	if m.FinalURL == "" {
		m.FinalURL = target.URL
	}
	m.UserAgent = timings.UserAgent
	m.FCP = timings.FCP
	m.DOMContentEnd = timings.DOMLoaded
	m.LoadEnd = timings.Load
	for _, metric := range metrics {
		switch metric.Name {
		case "JSHeapUsedSize":
			m.HeapUsed = metric.Value
		case "Nodes":
			m.Nodes = metric.Value
		}
	}
	m.Elapsed = time.Since(start)

	if m.FCP < 0 && m.Status < 400 {
		return m, ErrNoFCP
	}
	if m.FCP < 0 {
		m.FCP = 0
	}
	e.logger.Debug("cdp measurement complete",
		zap.String("url", target.URL),
		zap.Int("status", m.Status),
		zap.Float64("fcp_ms", m.FCP),
		zap.Float64("load_ms", m.LoadEnd),
		zap.Duration("elapsed", m.Elapsed),
	)
	return m, nil
}

func setupAction(vp viewport, locale string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := performance.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable performance domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(vp.width, vp.height, vp.scale, vp.mobile).Do(ctx); err != nil {
			return fmt.Errorf("emulate device: %w", err)
		}
		if locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(locale).Do(ctx); err != nil {
				return fmt.Errorf("emulate locale %q: %w", locale, err)
			}
		}
		return nil
	})
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// timingScript resolves once first-contentful-paint is recorded or the wait
// runs out, reporting -1 for anything the page never reached.
func timingScript(fcpWait time.Duration) string {
	return fmt.Sprintf(`new Promise((resolve) => {
  const deadline = Date.now() + %d;
  const read = () => {
    const nav = performance.getEntriesByType('navigation')[0];
    const paint = performance.getEntriesByName('first-contentful-paint')[0];
    return {
      fcp: paint ? paint.startTime : -1,
      dcl: nav ? nav.domContentLoadedEventEnd : -1,
      load: nav ? nav.loadEventEnd : -1,
      ua: navigator.userAgent,
    };
  };
  const tick = () => {
    const r = read();
    if (r.fcp >= 0 || Date.now() > deadline) {
      resolve(r);
      return;
    }
    setTimeout(tick, 100);
  };
  tick();
})`, fcpWait.Milliseconds())
}
