package browser

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-audit-server/internal/apperr"
)

const (
	activePortFile = "DevToolsActivePort"
	releaseTimeout = 5 * time.Second
)

// Gauge tracks live sessions; prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

type startFunc func(ctx context.Context, opts LaunchOptions, dataDir string) (process, error)

// ChromeManager launches Chrome through chromedp's exec allocator.
type ChromeManager struct {
	logger *zap.Logger
	client *http.Client
	gauge  Gauge
	live   atomic.Int64
	seq    atomic.Int64
	start  startFunc
	tmpDir string
}

// NewChromeManager creates a manager. gauge may be nil.
func NewChromeManager(logger *zap.Logger, gauge Gauge) *ChromeManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeManager{
		logger: logger,
		client: &http.Client{},
		gauge:  gauge,
		start:  startChrome,
	}
}

// Live returns the number of sessions acquired and not yet released.
func (m *ChromeManager) Live() int64 {
	return m.live.Load()
}

// Acquire launches a private Chrome process and waits until its debugging
// endpoint answers. Failures are apperr.ErrLaunch and leave nothing running.
func (m *ChromeManager) Acquire(ctx context.Context, opts LaunchOptions) (*Session, error) {
	opts = opts.withDefaults()
	launchCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	dataDir, err := os.MkdirTemp(m.tmpDir, "audit-chrome-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrLaunch, err, "create browser profile dir")
	}
	sess := &Session{
		ID:        fmt.Sprintf("chrome-%d", m.seq.Add(1)),
		StartedAt: time.Now().UTC(),
		dataDir:   dataDir,
	}

	proc, err := m.start(launchCtx, opts, dataDir)
	if err != nil {
		m.teardown(sess)
		return nil, apperr.Wrap(apperr.ErrLaunch, err, "start browser")
	}
	sess.proc = proc
	if p := proc.Process(); p != nil {
		sess.PID = p.Pid
	}

	port, err := waitActivePort(launchCtx, dataDir, opts.ProbeInterval)
	if err != nil {
		m.teardown(sess)
		return nil, apperr.Wrap(apperr.ErrLaunch, err, "discover debugging port")
	}
	sess.DebugPort = port

	wsURL, err := m.waitReady(launchCtx, port, opts)
	if err != nil {
		m.teardown(sess)
		return nil, apperr.Wrap(apperr.ErrLaunch, err, "browser never became reachable")
	}
	sess.WebSocketURL = wsURL

	m.live.Add(1)
	if m.gauge != nil {
		m.gauge.Inc()
	}
	m.logger.Debug("browser session ready",
		zap.String("session_id", sess.ID),
		zap.Int("debug_port", sess.DebugPort),
		zap.Int("pid", sess.PID),
		zap.Duration("startup", time.Since(sess.StartedAt)),
	)
	return sess, nil
}

// Release kills the session's process and removes its profile directory. It is
// idempotent and never fails from the caller's perspective.
func (m *ChromeManager) Release(sess *Session) {
	if sess == nil {
		return
	}
	released := false
	sess.once.Do(func() {
		released = true
		m.closeProcess(sess)
		m.removeDataDir(sess)
	})
	if released {
		m.live.Add(-1)
		if m.gauge != nil {
			m.gauge.Dec()
		}
		m.logger.Debug("browser session released", zap.String("session_id", sess.ID), zap.Int("pid", sess.PID))
	}
}

// teardown cleans up a session that never became live.
func (m *ChromeManager) teardown(sess *Session) {
	sess.once.Do(func() {
		m.closeProcess(sess)
		m.removeDataDir(sess)
	})
}

func (m *ChromeManager) closeProcess(sess *Session) {
	if sess.proc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := sess.proc.Close(ctx); err != nil {
		m.logger.Warn("browser close failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (m *ChromeManager) removeDataDir(sess *Session) {
	if sess.dataDir == "" {
		return
	}
	if err := os.RemoveAll(sess.dataDir); err != nil {
		m.logger.Warn("browser profile cleanup failed", zap.String("dir", sess.dataDir), zap.Error(err))
	}
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// waitReady polls /json/version until it answers with a websocket URL.
func (m *ChromeManager) waitReady(ctx context.Context, port int, opts LaunchOptions) (string, error) {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	ticker := time.NewTicker(opts.ProbeInterval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		info, err := m.probe(ctx, endpoint, opts.ProbeTimeout)
		if err == nil {
			m.logger.Debug("browser liveness probe succeeded",
				zap.Int("attempt", attempt),
				zap.String("browser", info.Browser),
			)
			return info.WebSocketDebuggerURL, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("liveness probe gave up after %d attempts: %w (last: %v)", attempt, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func (m *ChromeManager) probe(ctx context.Context, endpoint string, timeout time.Duration) (versionInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return versionInfo{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return versionInfo{}, fmt.Errorf("probe %s: %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return versionInfo{}, fmt.Errorf("probe %s: status %d", endpoint, resp.StatusCode)
	}
	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return versionInfo{}, fmt.Errorf("decode probe response: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return versionInfo{}, errors.New("probe response missing webSocketDebuggerUrl")
	}
	return info, nil
}

// waitActivePort reads the port Chrome picked from DevToolsActivePort in its
// profile directory.
func waitActivePort(ctx context.Context, dataDir string, interval time.Duration) (int, error) {
	path := filepath.Join(dataDir, activePortFile)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		port, err := readActivePort(path)
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, errPortPending) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("wait for %s: %w", activePortFile, ctx.Err())
		case <-ticker.C:
		}
	}
}

var errPortPending = errors.New("debugging port not written yet")

func readActivePort(path string) (int, error) {
	// #nosec G304 -- path is inside a profile directory this process created.
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, errPortPending
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return 0, errPortPending
	}
	port, err := strconv.Atoi(line)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid debugging port %q in %s", line, path)
	}
	return port, nil
}

// chromeProcess is a Chrome instance started by chromedp.
type chromeProcess struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	proc          *os.Process
}

func (c *chromeProcess) Process() *os.Process {
	return c.proc
}

func (c *chromeProcess) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(c.browserCtx)
	}()
	var closeErr error
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			closeErr = fmt.Errorf("graceful close: %w", err)
		}
	case <-ctx.Done():
		closeErr = fmt.Errorf("graceful close timed out: %w", ctx.Err())
	}
	c.cancelBrowser()
	// Cancelling the allocator kills the process and waits for it.
	c.cancelAlloc()
	if c.proc != nil {
		if err := c.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			closeErr = errors.Join(closeErr, fmt.Errorf("kill pid %d: %w", c.proc.Pid, err))
		}
	}
	return closeErr
}

func startChrome(ctx context.Context, opts LaunchOptions, dataDir string) (process, error) {
	allocOpts := allocatorOptions(opts, dataDir)
	// The allocator outlives Acquire's context; Release owns its lifetime.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			cancelBrowser()
			cancelAlloc()
			return nil, fmt.Errorf("chromedp start: %w", err)
		}
	case <-ctx.Done():
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("chromedp start: %w", ctx.Err())
	}

	var proc *os.Process
	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		proc = c.Browser.Process()
	}
	return &chromeProcess{
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		proc:          proc,
	}, nil
}

// allocatorOptions builds the Chrome flag set for a server-side audit browser.
func allocatorOptions(opts LaunchOptions, dataDir string) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	headless := any(false)
	if opts.Headless {
		headless = "new"
	}
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-component-update", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("remote-debugging-port", "0"),
		chromedp.UserDataDir(dataDir),
		chromedp.WSURLReadTimeout(opts.Timeout),
	)
	if opts.BinaryPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.BinaryPath))
	}
	for _, raw := range opts.ExtraFlags {
		name, value := parseFlag(raw)
		if name == "" {
			continue
		}
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	return allocOpts
}

// parseFlag turns "--name=value" into ("name", "value") and "--name" into
// ("name", true).
func parseFlag(raw string) (string, any) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "-")
	if trimmed == "" {
		return "", nil
	}
	name, value, found := strings.Cut(trimmed, "=")
	if !found {
		return name, true
	}
	return name, value
}
