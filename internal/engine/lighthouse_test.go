package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	name   string
	args   []string
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, stdout, stderr io.Writer) error {
	f.name = name
	f.args = args
	if f.stdout != "" {
		_, _ = io.WriteString(stdout, f.stdout)
	}
	if f.stderr != "" {
		_, _ = io.WriteString(stderr, f.stderr)
	}
	return f.err
}

func newEngine(t *testing.T, runner Runner, tail int) *Lighthouse {
	t.Helper()
	l, err := NewLighthouse(LighthouseConfig{Path: "/usr/bin/lighthouse", StderrTail: tail}, WithRunner(runner))
	require.NoError(t, err)
	return l
}

func TestNewLighthouseRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewLighthouse(LighthouseConfig{Path: "  "})
	require.Error(t, err)
}

func TestLighthouseArgsGeneral(t *testing.T) {
	t.Parallel()

	l := newEngine(t, &fakeRunner{}, 0)
	args := l.Args(Target{
		URL:       "https://example.com",
		DebugPort: 9333,
		Options:   GeneralOptions("de").WithWaits(45*time.Second, 30*time.Second),
	})
	assert.Equal(t, []string{
		"https://example.com",
		"--port=9333",
		"--output=json",
		"--output-path=stdout",
		"--quiet",
		"--only-categories=performance,accessibility,best-practices,seo",
		"--form-factor=mobile",
		"--locale=de",
		"--max-wait-for-load=45000",
		"--max-wait-for-fcp=30000",
	}, args)
}

func TestLighthouseArgsPerformanceDesktop(t *testing.T) {
	t.Parallel()

	l := newEngine(t, &fakeRunner{}, 0)
	args := l.Args(Target{URL: "https://example.com", DebugPort: 1, Options: PerformanceOptions("")})
	assert.Contains(t, args, "--preset=desktop")
	assert.Contains(t, args, "--only-categories=performance")
	assert.NotContains(t, args, "--form-factor=mobile")
	for _, a := range args {
		assert.False(t, strings.HasPrefix(a, "--locale="), "no locale flag when unset")
	}
}

func TestWithWaitsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	opts := Options{MaxWaitForLoad: time.Second}.WithWaits(time.Minute, 2*time.Second)
	assert.Equal(t, time.Second, opts.MaxWaitForLoad)
	assert.Equal(t, 2*time.Second, opts.MaxWaitForFCP)
}

func TestLighthouseRunReturnsStdout(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{stdout: "\n{\"finalUrl\":\"https://example.com/\"}\n"}
	l := newEngine(t, runner, 0)
	res, err := l.Run(context.Background(), Target{URL: "https://example.com", DebugPort: 9222})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.JSONEq(t, `{"finalUrl":"https://example.com/"}`, string(res.LHR))
	assert.Equal(t, "/usr/bin/lighthouse", runner.name)
}

func TestLighthouseRunEmptyOutput(t *testing.T) {
	t.Parallel()

	l := newEngine(t, &fakeRunner{stdout: "   "}, 0)
	res, err := l.Run(context.Background(), Target{URL: "https://example.com", DebugPort: 9222})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.LHR)
}

func TestLighthouseRunFailureCarriesStderrTail(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 1")
	runner := &fakeRunner{
		stderr: strings.Repeat("x", 100) + "Runtime error encountered: NO_FCP",
		err:    cause,
	}
	l := newEngine(t, runner, 32)
	_, err := l.Run(context.Background(), Target{URL: "https://example.com", DebugPort: 9222})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Len(t, runErr.Stderr, 32)
	assert.True(t, strings.HasSuffix(runErr.Stderr, "NO_FCP"))
	assert.Contains(t, err.Error(), "NO_FCP")
}

func TestLighthouseRunRejectsMissingPort(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	l := newEngine(t, runner, 0)
	_, err := l.Run(context.Background(), Target{URL: "https://example.com"})
	require.Error(t, err)
	assert.Empty(t, runner.name, "runner must not be invoked")
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	tb := newTailBuffer(5)
	for i := range 10 {
		_, _ = fmt.Fprint(tb, i)
	}
	assert.Equal(t, "56789", tb.String())
}
