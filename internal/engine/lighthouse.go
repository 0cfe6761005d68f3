package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultStderrTail = 2048

// Runner executes an external command. It exists so tests can stand in for the
// Lighthouse binary.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	// #nosec G204 -- binary comes from configuration, arguments are built here.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// LighthouseConfig configures the CLI engine.
type LighthouseConfig struct {
	// Path is the lighthouse executable.
	Path string
	// StderrTail caps how much stderr is kept for error details.
	StderrTail int
}

// Lighthouse drives the Lighthouse CLI against an existing browser session.
type Lighthouse struct {
	cfg    LighthouseConfig
	runner Runner
	logger *zap.Logger
}

// LighthouseOption customizes a Lighthouse engine.
type LighthouseOption func(*Lighthouse)

// WithRunner swaps the command runner.
func WithRunner(r Runner) LighthouseOption {
	return func(l *Lighthouse) {
		if r != nil {
			l.runner = r
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) LighthouseOption {
	return func(l *Lighthouse) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLighthouse builds the CLI engine.
func NewLighthouse(cfg LighthouseConfig, opts ...LighthouseOption) (*Lighthouse, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("lighthouse path is required")
	}
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = defaultStderrTail
	}
	l := &Lighthouse{
		cfg:    cfg,
		runner: ExecRunner{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// RunError reports a failed Lighthouse invocation with the tail of its stderr.
type RunError struct {
	Err    error
	Stderr string
}

func (e *RunError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("lighthouse failed: %v", e.Err)
	}
	return fmt.Sprintf("lighthouse failed: %v: %s", e.Err, e.Stderr)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Run implements Engine.
func (l *Lighthouse) Run(ctx context.Context, target Target) (*Result, error) {
	if target.DebugPort <= 0 {
		return nil, fmt.Errorf("invalid debugging port %d", target.DebugPort)
	}
	args := l.Args(target)
	var stdout bytes.Buffer
	stderr := newTailBuffer(l.cfg.StderrTail)

	start := time.Now()
	err := l.runner.Run(ctx, l.cfg.Path, args, &stdout, stderr)
	l.logger.Debug("lighthouse finished",
		zap.String("url", target.URL),
		zap.Int("port", target.DebugPort),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("stdout_bytes", stdout.Len()),
		zap.Error(err),
	)
	if err != nil {
		return nil, &RunError{Err: err, Stderr: strings.TrimSpace(stderr.String())}
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return &Result{}, nil
	}
	return &Result{LHR: append([]byte(nil), out...)}, nil
}

// Args builds the CLI arguments for target.
func (l *Lighthouse) Args(target Target) []string {
	opts := target.Options
	args := []string{
		target.URL,
		"--port=" + strconv.Itoa(target.DebugPort),
		"--output=json",
		"--output-path=stdout",
		"--quiet",
	}
	if len(opts.Categories) > 0 {
		args = append(args, "--only-categories="+strings.Join(opts.Categories, ","))
	}
	if opts.IsDesktop() {
		args = append(args, "--preset=desktop")
	} else {
		args = append(args, "--form-factor="+FormFactorMobile)
	}
	if opts.Locale != "" {
		args = append(args, "--locale="+opts.Locale)
	}
	if opts.MaxWaitForLoad > 0 {
		args = append(args, "--max-wait-for-load="+strconv.FormatInt(opts.MaxWaitForLoad.Milliseconds(), 10))
	}
	if opts.MaxWaitForFCP > 0 {
		args = append(args, "--max-wait-for-fcp="+strconv.FormatInt(opts.MaxWaitForFCP.Milliseconds(), 10))
	}
	return args
}

// tailBuffer keeps only the last n bytes written to it.
type tailBuffer struct {
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
