// Package report models the scoring engine output (a Lighthouse result) and
// validates that it carries everything a stored report must have.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Category names produced by the scoring engine.
const (
	CategoryPerformance   = "performance"
	CategoryAccessibility = "accessibility"
	CategoryBestPractices = "best-practices"
	CategorySEO           = "seo"
)

// AllCategories is the default category set, in display order.
var AllCategories = []string{
	CategoryPerformance,
	CategoryAccessibility,
	CategoryBestPractices,
	CategorySEO,
}

// ErrEmpty is returned by Parse when there is no report object at all.
var ErrEmpty = errors.New("report is empty")

// Category is one scored category. Score is nil when the engine could not
// compute it.
type Category struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Score *float64 `json:"score"`
}

// ScoreReport is a validated engine result. Raw holds the bytes exactly as the
// engine produced them; the other fields are decoded views.
type ScoreReport struct {
	FinalURL   string
	FetchTime  time.Time
	Categories map[string]Category
	Audits     map[string]json.RawMessage
	Raw        json.RawMessage
}

type wireReport struct {
	FinalURL   *string                    `json:"finalUrl"`
	FetchTime  *string                    `json:"fetchTime"`
	Categories map[string]Category        `json:"categories"`
	Audits     map[string]json.RawMessage `json:"audits"`
}

// Parse decodes raw and enforces the required fields. It never returns a
// partially populated report.
func Parse(raw []byte) (*ScoreReport, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmpty
	}
	var w wireReport
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if w.FinalURL == nil || *w.FinalURL == "" {
		return nil, missing("finalUrl")
	}
	if w.FetchTime == nil || *w.FetchTime == "" {
		return nil, missing("fetchTime")
	}
	fetchTime, err := time.Parse(time.RFC3339Nano, *w.FetchTime)
	if err != nil {
		return nil, fmt.Errorf("fetchTime is not an ISO-8601 timestamp: %w", err)
	}
	if w.Categories == nil {
		return nil, missing("categories")
	}
	if w.Audits == nil {
		return nil, missing("audits")
	}
	for name, cat := range w.Categories {
		if cat.Score != nil && (*cat.Score < 0 || *cat.Score > 1) {
			return nil, fmt.Errorf("category %q score %v outside [0,1]", name, *cat.Score)
		}
	}
	return &ScoreReport{
		FinalURL:   *w.FinalURL,
		FetchTime:  fetchTime,
		Categories: w.Categories,
		Audits:     w.Audits,
		Raw:        append(json.RawMessage(nil), raw...),
	}, nil
}

func missing(field string) error {
	return fmt.Errorf("report missing required field %q", field)
}

// Summary returns category name to score for every category with a score.
func (r *ScoreReport) Summary() map[string]float64 {
	if r == nil {
		return nil
	}
	out := make(map[string]float64, len(r.Categories))
	for name, cat := range r.Categories {
		if cat.Score != nil {
			out[name] = *cat.Score
		}
	}
	return out
}

// CategoryNames returns the category keys sorted alphabetically.
func (r *ScoreReport) CategoryNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Categories))
	for name := range r.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON emits the raw engine bytes unchanged.
func (r *ScoreReport) MarshalJSON() ([]byte, error) {
	if r == nil || len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// IsKnownCategory reports whether name is one of AllCategories.
func IsKnownCategory(name string) bool {
	for _, c := range AllCategories {
		if c == name {
			return true
		}
	}
	return false
}
