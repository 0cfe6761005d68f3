// Package browser manages ephemeral headless Chrome processes, one per audit.
//
// A Session is bound to a debugging port chosen by Chrome itself
// (remote-debugging-port=0), is only handed out once its control endpoint answers
// a liveness probe, and is torn down exactly once by Release.
package browser

import (
	"context"
	"os"
	"sync"
	"time"
)

// Manager acquires and releases browser sessions.
type Manager interface {
	Acquire(ctx context.Context, opts LaunchOptions) (*Session, error)
	Release(session *Session)
}

// LaunchOptions control one browser launch.
type LaunchOptions struct {
	// BinaryPath overrides Chrome auto-discovery when set.
	BinaryPath string
	// Headless runs Chrome without a window.
	Headless bool
	// ExtraFlags are appended to the default flag set, e.g. "--lang=de".
	ExtraFlags []string
	// Timeout is the overall ceiling for start plus liveness probe.
	Timeout time.Duration
	// ProbeInterval is the delay between liveness probes.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single liveness probe request.
	ProbeTimeout time.Duration
}

func (o LaunchOptions) withDefaults() LaunchOptions {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 250 * time.Millisecond
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	return o
}

// Session is one live browser process. It is owned by exactly one audit.
type Session struct {
	ID           string
	DebugPort    int
	WebSocketURL string
	PID          int
	StartedAt    time.Time

	once    sync.Once
	proc    process
	dataDir string
}

// process is the slice of a launched browser the manager needs to tear it down.
type process interface {
	// Close asks the browser to exit and then kills it. It must be safe to call
	// after the process already died.
	Close(ctx context.Context) error
	Process() *os.Process
}
