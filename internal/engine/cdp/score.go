package cdp

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/page-audit-server/internal/engine"
	"github.com/JakeFAU/page-audit-server/internal/report"
)

// inverseErfcOneFifth is erfc^-1(0.2); it places p10 at a score of 0.9.
const inverseErfcOneFifth = 0.9061938024368232

// Curve is a log-normal scoring curve defined by its 10th percentile and
// median control points, in milliseconds.
type Curve struct {
	P10    float64
	Median float64
}

// Curves used for each scored metric, per form factor.
var (
	fcpCurves = map[string]Curve{
		engine.FormFactorMobile:  {P10: 1800, Median: 3000},
		engine.FormFactorDesktop: {P10: 934, Median: 1600},
	}
	loadCurves = map[string]Curve{
		engine.FormFactorMobile:  {P10: 3785, Median: 7300},
		engine.FormFactorDesktop: {P10: 2468, Median: 4500},
	}
)

// Score maps value onto [0,1]. p10 scores 0.9 and the median scores 0.5; the
// result is clamped so values never cross those band edges.
func (c Curve) Score(value float64) float64 {
	if value <= 0 {
		return 1
	}
	xLogRatio := math.Log(math.Max(math.SmallestNonzeroFloat64, value/c.Median))
	p10LogRatio := -math.Log(math.Max(math.SmallestNonzeroFloat64, c.P10/c.Median))
	standardized := xLogRatio * inverseErfcOneFifth / p10LogRatio
	percentile := (1 - math.Erf(standardized)) / 2

	switch {
	case value <= c.P10:
		return clamp(percentile, 0.9, 1)
	case value <= c.Median:
		return clamp(percentile, 0.5, math.Nextafter(0.9, 0))
	default:
		return clamp(percentile, 0, math.Nextafter(0.5, 0))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// measurement is everything collected from one page load.
type measurement struct {
	RequestedURL  string
	FinalURL      string
	Status        int
	UserAgent     string
	FetchTime     time.Time
	Elapsed       time.Duration
	FCP           float64
	DOMContentEnd float64
	LoadEnd       float64
	HeapUsed      float64
	Nodes         float64
}

type lhrAudit struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Score            *float64 `json:"score"`
	ScoreDisplayMode string   `json:"scoreDisplayMode"`
	NumericValue     float64  `json:"numericValue"`
	NumericUnit      string   `json:"numericUnit"`
	DisplayValue     string   `json:"displayValue"`
}

type lhrAuditRef struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
}

type lhrCategory struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Score     *float64      `json:"score"`
	AuditRefs []lhrAuditRef `json:"auditRefs"`
}

type lhrRuntimeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type lhrSettings struct {
	FormFactor     string   `json:"formFactor"`
	Locale         string   `json:"locale"`
	OnlyCategories []string `json:"onlyCategories"`
}

type lhr struct {
	RequestedURL   string                 `json:"requestedUrl"`
	FinalURL       string                 `json:"finalUrl"`
	FetchTime      string                 `json:"fetchTime"`
	UserAgent      string                 `json:"userAgent"`
	ConfigSettings lhrSettings            `json:"configSettings"`
	RuntimeError   *lhrRuntimeError       `json:"runtimeError,omitempty"`
	Categories     map[string]lhrCategory `json:"categories"`
	Audits         map[string]lhrAudit    `json:"audits"`
	Timing         map[string]float64     `json:"timing"`
}

// buildReport turns a measurement into a Lighthouse-shaped result with a
// single performance category.
func buildReport(m measurement, opts engine.Options) lhr {
	formFactor := opts.FormFactor
	if formFactor != engine.FormFactorDesktop {
		formFactor = engine.FormFactorMobile
	}
	fcp := timingAudit("first-contentful-paint", "First Contentful Paint", m.FCP, fcpCurves[formFactor])
	load := timingAudit("load-event", "Page Load", m.LoadEnd, loadCurves[formFactor])
	audits := map[string]lhrAudit{
		fcp.ID:  fcp,
		load.ID: load,
		"dom-content-loaded": informative("dom-content-loaded", "DOMContentLoaded",
			m.DOMContentEnd, "millisecond", formatSeconds(m.DOMContentEnd)),
		"js-heap-used": informative("js-heap-used", "JavaScript Heap Used",
			m.HeapUsed, "byte", fmt.Sprintf("%.1f MiB", m.HeapUsed/(1<<20))),
		"dom-size": informative("dom-size", "DOM Nodes",
			m.Nodes, "element", fmt.Sprintf("%.0f elements", m.Nodes)),
	}
	refs := []lhrAuditRef{
		{ID: fcp.ID, Weight: 1},
		{ID: load.ID, Weight: 1},
		{ID: "dom-content-loaded", Weight: 0},
		{ID: "js-heap-used", Weight: 0},
		{ID: "dom-size", Weight: 0},
	}

	out := lhr{
		RequestedURL: m.RequestedURL,
		FinalURL:     m.FinalURL,
		FetchTime:    m.FetchTime.UTC().Format(time.RFC3339Nano),
		UserAgent:    m.UserAgent,
		ConfigSettings: lhrSettings{
			FormFactor:     formFactor,
			Locale:         opts.Locale,
			OnlyCategories: []string{report.CategoryPerformance},
		},
		Audits: audits,
		Timing: map[string]float64{"total": float64(m.Elapsed.Milliseconds())},
	}

	category := lhrCategory{
		ID:        report.CategoryPerformance,
		Title:     "Performance",
		AuditRefs: refs,
	}
	if m.Status >= 400 {
		out.RuntimeError = &lhrRuntimeError{
			Code:    "ERRORED_DOCUMENT_REQUEST",
			Message: fmt.Sprintf("The page returned status code %d.", m.Status),
		}
	} else {
		category.Score = weightedScore(refs, audits)
	}
	out.Categories = map[string]lhrCategory{report.CategoryPerformance: category}
	return out
}

func weightedScore(refs []lhrAuditRef, audits map[string]lhrAudit) *float64 {
	var sum, weights float64
	for _, ref := range refs {
		audit, ok := audits[ref.ID]
		if !ok || ref.Weight == 0 || audit.Score == nil {
			continue
		}
		sum += *audit.Score * ref.Weight
		weights += ref.Weight
	}
	if weights == 0 {
		return nil
	}
	score := round2(sum / weights)
	return &score
}

// timingAudit scores value against curve. A value of zero or less means the
// timing was never recorded; the audit is then marked as an error with no
// score so it drops out of the category weighting.
func timingAudit(id, title string, value float64, curve Curve) lhrAudit {
	if value <= 0 {
		return lhrAudit{
			ID:               id,
			Title:            title,
			ScoreDisplayMode: "error",
			NumericUnit:      "millisecond",
		}
	}
	score := round2(curve.Score(value))
	return lhrAudit{
		ID:               id,
		Title:            title,
		Score:            &score,
		ScoreDisplayMode: "numeric",
		NumericValue:     value,
		NumericUnit:      "millisecond",
		DisplayValue:     formatSeconds(value),
	}
}

func informative(id, title string, value float64, unit, display string) lhrAudit {
	return lhrAudit{
		ID:               id,
		Title:            title,
		ScoreDisplayMode: "informative",
		NumericValue:     value,
		NumericUnit:      unit,
		DisplayValue:     display,
	}
}

func formatSeconds(ms float64) string {
	return fmt.Sprintf("%.1f s", ms/1000)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
