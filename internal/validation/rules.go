package validation

import (
	"fmt"
	"time"

	"deribitflow/internal/metadata"
	"deribitflow/models"
)

// Rule inspects a currency scan and reports findings. Rules never touch
// the catalog.
type Rule interface {
	Name() string
	Check(s *Scan, th Thresholds) []Finding
}

// DefaultRules returns every built-in rule.
func DefaultRules() []Rule {
	return []Rule{
		ivRangeRule{},
		gapRule{},
		completenessRule{},
		duplicateRule{},
		crossDuplicateRule{},
		orderingRule{},
		emptyFileRule{},
		fileErrorRule{},
		checksumRule{},
		candleRule{},
	}
}

type ivRangeRule struct{}

func (ivRangeRule) Name() string { return "iv_range" }

func (r ivRangeRule) Check(s *Scan, th Thresholds) []Finding {
	var out []Finding
	for _, f := range s.Files {
		if f.IVLow == 0 && f.IVHigh == 0 {
			continue
		}
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryIVOutlier,
			Severity: SeverityMedium,
			Currency: s.Currency,
			File:     f.Path,
			Message:  fmt.Sprintf("%d trades with IV < %g, %d with IV > %g", f.IVLow, th.IVMin, f.IVHigh, th.IVMax),
			Evidence: map[string]any{"below": f.IVLow, "above": f.IVHigh, "rows": f.Rows},
		})
	}
	return out
}

type gapRule struct{}

func (gapRule) Name() string { return "data_gap" }

// GapSeverity grades a run of missing calendar days.
func GapSeverity(missing int, th Thresholds) (Severity, bool) {
	switch {
	case missing >= th.GapCriticalDays:
		return SeverityCritical, true
	case missing >= th.GapHighDays:
		return SeverityHigh, true
	case missing >= th.GapMediumDays && missing > 0:
		return SeverityMedium, true
	}
	return "", false
}

func (r gapRule) Check(s *Scan, th Thresholds) []Finding {
	dates := s.Dates()
	var out []Finding
	for i := 1; i < len(dates); i++ {
		prev, err1 := time.Parse(models.DateLayout, dates[i-1])
		cur, err2 := time.Parse(models.DateLayout, dates[i])
		if err1 != nil || err2 != nil {
			continue
		}
		missing := int(cur.Sub(prev).Hours()/24) - 1
		sev, ok := GapSeverity(missing, th)
		if !ok {
			continue
		}
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryDataGap,
			Severity: sev,
			Currency: s.Currency,
			Message:  fmt.Sprintf("%d missing days between %s and %s", missing, dates[i-1], dates[i]),
			Evidence: map[string]any{"after": dates[i-1], "before": dates[i], "missing_days": missing},
		})
	}
	return out
}

type completenessRule struct{}

func (completenessRule) Name() string { return "completeness" }

func (r completenessRule) Check(s *Scan, th Thresholds) []Finding {
	dates := s.Dates()
	if len(dates) == 0 {
		return nil
	}
	first, err1 := time.Parse(models.DateLayout, dates[0])
	last, err2 := time.Parse(models.DateLayout, dates[len(dates)-1])
	if err1 != nil || err2 != nil {
		return nil
	}
	expected := int(last.Sub(first).Hours()/24) + 1
	ratio := float64(len(dates)) / float64(expected)

	var sev Severity
	switch {
	case ratio < th.CompletenessCritical:
		sev = SeverityCritical
	case ratio < th.CompletenessWarning:
		sev = SeverityWarning
	default:
		return nil
	}
	return []Finding{{
		Rule:     r.Name(),
		Category: CategoryCompleteness,
		Severity: sev,
		Currency: s.Currency,
		Message:  fmt.Sprintf("%d of %d expected days present (%.1f%%)", len(dates), expected, ratio*100),
		Evidence: map[string]any{"present_days": len(dates), "expected_days": expected, "ratio": ratio},
	}}
}

type duplicateRule struct{}

func (duplicateRule) Name() string { return "duplicate_trades" }

func (r duplicateRule) Check(s *Scan, th Thresholds) []Finding {
	var out []Finding
	var dups int64
	for _, f := range s.Files {
		dups += f.DupWithin + f.DupCross
		if f.DupWithin == 0 {
			continue
		}
		out = append(out, Finding{
			Rule:       r.Name(),
			Category:   CategoryDuplicates,
			Severity:   SeverityHigh,
			Currency:   s.Currency,
			File:       f.Path,
			Message:    fmt.Sprintf("%d duplicate trade ids within partition", f.DupWithin),
			Evidence:   map[string]any{"duplicates": f.DupWithin, "rows": f.Rows},
			Structural: true,
		})
	}
	total := s.TotalRows()
	if total > 0 {
		rate := float64(dups) / float64(total)
		if rate > th.DuplicateRateHigh {
			out = append(out, Finding{
				Rule:     r.Name(),
				Category: CategoryDuplicates,
				Severity: SeverityHigh,
				Currency: s.Currency,
				Message:  fmt.Sprintf("duplicate trade id rate %.2f%% exceeds %.2f%%", rate*100, th.DuplicateRateHigh*100),
				Evidence: map[string]any{"duplicates": dups, "rows": total, "rate": rate},
			})
		}
	}
	return out
}

type crossDuplicateRule struct{}

func (crossDuplicateRule) Name() string { return "trade_id_uniqueness" }

func (r crossDuplicateRule) Check(s *Scan, _ Thresholds) []Finding {
	var out []Finding
	for _, f := range s.Files {
		if f.DupCross == 0 {
			continue
		}
		out = append(out, Finding{
			Rule:       r.Name(),
			Category:   CategoryCrossDuplicates,
			Severity:   SeverityHigh,
			Currency:   s.Currency,
			File:       f.Path,
			Message:    fmt.Sprintf("%d trade ids already present in an earlier partition", f.DupCross),
			Evidence:   map[string]any{"duplicates": f.DupCross, "partitions": f.CrossWith},
			Structural: true,
		})
	}
	return out
}

type orderingRule struct{}

func (orderingRule) Name() string { return "timestamp_ordering" }

func (r orderingRule) Check(s *Scan, _ Thresholds) []Finding {
	var out []Finding
	for _, f := range s.Files {
		if f.Unsorted == 0 {
			continue
		}
		out = append(out, Finding{
			Rule:       r.Name(),
			Category:   CategoryUnsorted,
			Severity:   SeverityCritical,
			Currency:   s.Currency,
			File:       f.Path,
			Message:    fmt.Sprintf("%d rows not strictly ascending", f.Unsorted),
			Evidence:   map[string]any{"violations": f.Unsorted, "first_at": f.UnsortedAt},
			Structural: true,
		})
	}
	if s.DVOL != nil && s.DVOL.Unsorted > 0 {
		out = append(out, Finding{
			Rule:       r.Name(),
			Category:   CategoryUnsorted,
			Severity:   SeverityCritical,
			Currency:   s.Currency,
			File:       s.DVOL.Path,
			Message:    fmt.Sprintf("%d candles not strictly ascending", s.DVOL.Unsorted),
			Evidence:   map[string]any{"violations": s.DVOL.Unsorted},
			Structural: true,
		})
	}
	return out
}

type emptyFileRule struct{}

func (emptyFileRule) Name() string { return "empty_file" }

func (r emptyFileRule) Check(s *Scan, _ Thresholds) []Finding {
	var out []Finding
	for _, f := range s.Files {
		if f.Err != nil || f.Rows > 0 {
			continue
		}
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryEmptyFile,
			Severity: SeverityMedium,
			Currency: s.Currency,
			File:     f.Path,
			Message:  "partition has no rows",
		})
	}
	return out
}

type fileErrorRule struct{}

func (fileErrorRule) Name() string { return "file_error" }

func (r fileErrorRule) Check(s *Scan, _ Thresholds) []Finding {
	var out []Finding
	for _, f := range s.Files {
		if f.Err == nil {
			continue
		}
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryFileError,
			Severity: SeverityHigh,
			Currency: s.Currency,
			File:     f.Path,
			Message:  f.Err.Error(),
		})
	}
	if s.DVOL != nil && s.DVOL.Err != nil {
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryFileError,
			Severity: SeverityHigh,
			Currency: s.Currency,
			File:     s.DVOL.Path,
			Message:  s.DVOL.Err.Error(),
		})
	}
	return out
}

type checksumRule struct{}

func (checksumRule) Name() string { return "manifest_checksum" }

func (r checksumRule) Check(s *Scan, _ Thresholds) []Finding {
	var out []Finding
	for _, v := range s.Checksums {
		if v.OK() {
			continue
		}
		sev := SeverityCritical
		if v.Status == metadata.StatusUnmanifested {
			sev = SeverityLow
		}
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryChecksum,
			Severity: sev,
			Currency: s.Currency,
			File:     v.Path,
			Message:  string(v.Status),
			Evidence: map[string]any{"expected": v.Expected, "actual": v.Actual},
		})
	}
	return out
}

type candleRule struct{}

func (candleRule) Name() string { return "dvol_candles" }

func (r candleRule) Check(s *Scan, th Thresholds) []Finding {
	d := s.DVOL
	if d == nil || d.Err != nil {
		return nil
	}
	var out []Finding
	if d.Invalid > 0 {
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryCandleInvariant,
			Severity: SeverityHigh,
			Currency: s.Currency,
			File:     d.Path,
			Message:  fmt.Sprintf("%d candles violate low <= open,close <= high", d.Invalid),
			Evidence: map[string]any{"invalid": d.Invalid, "examples": d.Examples},
		})
	}
	if d.Gaps > 0 {
		out = append(out, Finding{
			Rule:     r.Name(),
			Category: CategoryDataGap,
			Severity: SeverityMedium,
			Currency: s.Currency,
			File:     d.Path,
			Message:  fmt.Sprintf("%d DVOL gaps longer than %s (max %s)", d.Gaps, th.DVOLMaxGap, d.MaxGap),
			Evidence: map[string]any{"gaps": d.Gaps, "max_gap_hours": d.MaxGap.Hours()},
		})
	}
	return out
}
