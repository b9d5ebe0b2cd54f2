package validation

import (
	"sort"
	"time"

	"deribitflow/config"
)

// Severity grades a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityWarning  Severity = "warning"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityWarning:  3,
	SeverityLow:      4,
	SeverityInfo:     5,
}

// Finding categories.
const (
	CategoryIVOutlier       = "iv_outlier"
	CategoryDataGap         = "data_gap"
	CategoryCompleteness    = "completeness"
	CategoryDuplicates      = "duplicates"
	CategoryCrossDuplicates = "cross_duplicates"
	CategoryUnsorted        = "unsorted"
	CategoryEmptyFile       = "empty_file"
	CategoryFileError       = "file_error"
	CategoryChecksum        = "checksum_mismatch"
	CategoryCandleInvariant = "candle_invariant"
)

// Finding is one (rule, severity, evidence) tuple. Structural findings
// fail the report whatever their severity.
type Finding struct {
	Rule       string         `json:"rule"`
	Category   string         `json:"category"`
	Severity   Severity       `json:"severity"`
	Currency   string         `json:"currency,omitempty"`
	File       string         `json:"file,omitempty"`
	Message    string         `json:"message"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Structural bool           `json:"structural,omitempty"`
}

// Report is the read-only outcome of one validation pass.
type Report struct {
	Catalog    string           `json:"catalog"`
	Currencies []string         `json:"currencies"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Files      int              `json:"files"`
	Rows       int64            `json:"rows"`
	Candles    int64            `json:"candles"`
	Findings   []Finding        `json:"findings"`
	Suppressed int              `json:"suppressed,omitempty"`
	BySeverity map[Severity]int `json:"by_severity"`
	Passed     bool             `json:"passed"`
}

// finalize orders findings by severity and computes the verdict.
func (r *Report) finalize() {
	sort.SliceStable(r.Findings, func(i, j int) bool {
		a, b := r.Findings[i], r.Findings[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] < severityRank[b.Severity]
		}
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		return a.File < b.File
	})
	r.BySeverity = make(map[Severity]int)
	r.Passed = true
	for _, f := range r.Findings {
		r.BySeverity[f.Severity]++
		if f.Severity == SeverityCritical || f.Structural {
			r.Passed = false
		}
	}
}

// Count returns the number of findings in category.
func (r *Report) Count(category string) int {
	n := 0
	for _, f := range r.Findings {
		if f.Category == category {
			n++
		}
	}
	return n
}

// SeverityCounts returns the counts keyed by plain strings.
func (r *Report) SeverityCounts() map[string]int {
	out := make(map[string]int, len(r.BySeverity))
	for k, v := range r.BySeverity {
		out[string(k)] = v
	}
	return out
}

// Thresholds parameterise the rules.
type Thresholds struct {
	IVMin                float64
	IVMax                float64
	GapCriticalDays      int
	GapHighDays          int
	GapMediumDays        int
	CompletenessCritical float64
	CompletenessWarning  float64
	DuplicateRateHigh    float64
	MaxFindingsPerRule   int
	DVOLMaxGap           time.Duration
}

// ThresholdsFrom copies the validation section of the configuration.
func ThresholdsFrom(cfg config.ValidationConfig) Thresholds {
	return Thresholds{
		IVMin:                cfg.IVMin,
		IVMax:                cfg.IVMax,
		GapCriticalDays:      cfg.GapCriticalDays,
		GapHighDays:          cfg.GapHighDays,
		GapMediumDays:        cfg.GapMediumDays,
		CompletenessCritical: cfg.CompletenessCritical,
		CompletenessWarning:  cfg.CompletenessWarning,
		DuplicateRateHigh:    cfg.DuplicateRateHigh,
		MaxFindingsPerRule:   cfg.MaxFindingsPerRule,
		DVOLMaxGap:           time.Duration(cfg.DVOLMaxGapHours) * time.Hour,
	}
}

// DefaultThresholds mirrors the configuration defaults.
func DefaultThresholds() Thresholds {
	return ThresholdsFrom(config.Default().Validation)
}
