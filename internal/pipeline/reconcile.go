package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/writer"
)

// Day reconciliation outcomes.
const (
	DayMatched    = "matched"
	DayMissing    = "missing"
	DayIncomplete = "incomplete"
	DayError      = "error"
)

// ReconcileOptions selects the days compared against the API. Sample > 0
// checks that many random days of the range instead of all of them.
type ReconcileOptions struct {
	Currency string
	From     time.Time
	To       time.Time
	Sample   int
}

// DayReconciliation compares one day of local trades with the API.
type DayReconciliation struct {
	Date          string  `json:"date"`
	LocalCount    int64   `json:"local_count"`
	APICount      int64   `json:"api_count"`
	Difference    int64   `json:"difference"`
	DifferencePct float64 `json:"difference_pct"`
	Status        string  `json:"status"`
	Error         string  `json:"error,omitempty"`
}

// ReconcileReport is the outcome of a reconciliation.
type ReconcileReport struct {
	Currency    string              `json:"currency"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	Tolerance   float64             `json:"tolerance"`
	Days        []DayReconciliation `json:"days"`
	Matched     int                 `json:"matched"`
	Missing     int                 `json:"missing"`
	Incomplete  int                 `json:"incomplete"`
	Errors      int                 `json:"errors"`
	LocalTrades int64               `json:"local_trades"`
	APITrades   int64               `json:"api_trades"`
}

// CompletenessPct is local over API trades, in percent.
func (r *ReconcileReport) CompletenessPct() float64 {
	if r.APITrades == 0 {
		if r.LocalTrades == 0 {
			return 100
		}
		return 0
	}
	return float64(r.LocalTrades) / float64(r.APITrades) * 100
}

// Complete reports whether no day is missing and at least 99% of the API
// trades are present locally.
func (r *ReconcileReport) Complete() bool {
	return r.Missing == 0 && r.Errors == 0 && r.CompletenessPct() >= 99
}

// Reconcile compares the local per-day row counts of a currency with the
// trade counts the API reports for the same days.
func (o *Orchestrator) Reconcile(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	if opts.Currency == "" {
		return nil, errors.New("currency is required")
	}
	currency := strings.ToUpper(opts.Currency)
	from := opts.From.UTC().Truncate(24 * time.Hour)
	to := opts.To.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return nil, fmt.Errorf("end %s is before start %s", to.Format(models.DateLayout), from.Format(models.DateLayout))
	}
	tolerance := o.cfg.Validation.ReconcileTolerance
	if tolerance <= 0 {
		tolerance = 0.01
	}

	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	if opts.Sample > 0 && opts.Sample < len(days) {
		picked := make([]time.Time, 0, opts.Sample)
		for _, i := range rand.Perm(len(days))[:opts.Sample] {
			picked = append(picked, days[i])
		}
		sort.Slice(picked, func(i, j int) bool { return picked[i].Before(picked[j]) })
		days = picked
	}

	runID := uuid.NewString()
	src := o.newSource(runID, o.audit)
	log := o.log.WithFields(logger.Fields{"run_id": runID, "operation": "reconcile", "currency": currency})
	report := &ReconcileReport{
		Currency:  currency,
		From:      from.Format(models.DateLayout),
		To:        to.Format(models.DateLayout),
		Tolerance: tolerance,
	}

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		date := day.Format(models.DateLayout)
		dr := DayReconciliation{Date: date}

		local, err := o.localCount(currency, date)
		if err != nil {
			dr.Status, dr.Error = DayError, err.Error()
			report.add(dr)
			continue
		}
		dr.LocalCount = local

		api, err := src.CountTrades(ctx, currency, day, day.Add(24*time.Hour-time.Millisecond))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.WithError(err).WithFields(logger.Fields{"date": date}).Warn("failed to count api trades")
			dr.Status, dr.Error = DayError, err.Error()
			report.add(dr)
			continue
		}
		dr.APICount = api
		dr.Difference = api - local
		if api > 0 {
			dr.DifferencePct = math.Abs(float64(dr.Difference)) / float64(api) * 100
		}

		switch {
		case local == 0 && api > 0:
			dr.Status = DayMissing
		case dr.DifferencePct <= tolerance*100:
			dr.Status = DayMatched
		default:
			dr.Status = DayIncomplete
		}
		report.add(dr)
	}

	entry := log.WithFields(logger.Fields{
		"days":       len(report.Days),
		"matched":    report.Matched,
		"missing":    report.Missing,
		"incomplete": report.Incomplete,
		"errors":     report.Errors,
	})
	if report.Complete() {
		entry.Info("reconciliation finished")
	} else {
		entry.Warn("reconciliation found differences")
	}

	o.audit.Record(models.AuditEvent{
		RunID:     runID,
		Kind:      models.EventReconcileRun,
		Operation: "reconcile",
		Currency:  currency,
		DataKind:  models.KindTrades,
		Rows:      report.LocalTrades,
		Message:   fmt.Sprintf("%d/%d days matched", report.Matched, len(report.Days)),
		Details: map[string]any{
			"from":       report.From,
			"to":         report.To,
			"missing":    report.Missing,
			"incomplete": report.Incomplete,
			"errors":     report.Errors,
			"api_trades": report.APITrades,
		},
	})
	return report, nil
}

// localCount is the row count of a committed partition; a missing
// partition holds zero rows.
func (o *Orchestrator) localCount(currency, date string) (int64, error) {
	path := writer.TradePartitionPath(o.cfg.Catalog.Path, currency, date)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return writer.CountRows(path, new(writer.TradeRow))
}

func (r *ReconcileReport) add(d DayReconciliation) {
	r.Days = append(r.Days, d)
	r.LocalTrades += d.LocalCount
	r.APITrades += d.APICount
	switch d.Status {
	case DayMatched:
		r.Matched++
	case DayMissing:
		r.Missing++
	case DayIncomplete:
		r.Incomplete++
	default:
		r.Errors++
	}
}
