// Package engine defines the boundary to the component that loads a page in a
// live browser session and produces a Lighthouse result object.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/JakeFAU/page-audit-server/internal/report"
)

// Form factors understood by every engine.
const (
	FormFactorMobile  = "mobile"
	FormFactorDesktop = "desktop"
)

// Engine scores a page through an already running browser.
type Engine interface {
	Run(ctx context.Context, target Target) (*Result, error)
}

// Target identifies the page and the browser session to audit it in.
type Target struct {
	URL          string
	DebugPort    int
	WebSocketURL string
	Options      Options
}

// Options shape a single scoring run.
type Options struct {
	Categories     []string
	FormFactor     string
	Locale         string
	MaxWaitForLoad time.Duration
	MaxWaitForFCP  time.Duration
}

// Result carries the raw Lighthouse result object. LHR may be empty or the JSON
// literal null when the engine finished without producing a report.
type Result struct {
	LHR json.RawMessage
}

// GeneralOptions audits all four categories with mobile emulation.
func GeneralOptions(locale string) Options {
	return Options{
		Categories: append([]string(nil), report.AllCategories...),
		FormFactor: FormFactorMobile,
		Locale:     locale,
	}
}

// PerformanceOptions audits performance only with desktop emulation.
func PerformanceOptions(locale string) Options {
	return Options{
		Categories: []string{report.CategoryPerformance},
		FormFactor: FormFactorDesktop,
		Locale:     locale,
	}
}

// WithWaits returns a copy of o with the load and first-paint waits set where
// they are still zero.
func (o Options) WithWaits(load, fcp time.Duration) Options {
	if o.MaxWaitForLoad <= 0 {
		o.MaxWaitForLoad = load
	}
	if o.MaxWaitForFCP <= 0 {
		o.MaxWaitForFCP = fcp
	}
	return o
}

// IsDesktop reports whether the run emulates a desktop screen.
func (o Options) IsDesktop() bool {
	return o.FormFactor == FormFactorDesktop
}
