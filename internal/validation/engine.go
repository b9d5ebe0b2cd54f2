// Package validation runs a read-only quality pass over finalized catalog
// partitions and grades what it finds by severity.
package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deribitflow/internal/metadata"
	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/writer"
)

// Options select what one pass covers.
type Options struct {
	// Currencies to validate; empty means every currency in the catalog.
	Currencies      []string
	VerifyChecksums bool
}

// Engine validates a catalog. It never writes to it.
type Engine struct {
	catalog  string
	th       Thresholds
	rules    []Rule
	manifest *metadata.Builder
	chunk    int
	log      *logger.Entry
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) EngineOption {
	return func(e *Engine) { e.rules = rules }
}

func WithManifest(b *metadata.Builder) EngineOption {
	return func(e *Engine) { e.manifest = b }
}

func WithReadChunk(n int) EngineOption {
	return func(e *Engine) { e.chunk = n }
}

// NewEngine returns an engine over the catalog at root.
func NewEngine(root string, th Thresholds, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog: root,
		th:      th,
		rules:   DefaultRules(),
		log:     logger.GetLogger().WithComponent("validation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.manifest == nil {
		e.manifest = metadata.NewBuilder(root)
	}
	return e
}

// Run scans every selected currency and applies the rules.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{Catalog: e.catalog, StartedAt: start.UTC()}

	currencies := opts.Currencies
	if len(currencies) == 0 {
		found, err := Currencies(e.catalog)
		if err != nil {
			return nil, err
		}
		currencies = found
	}
	report.Currencies = currencies

	var checksums []metadata.Verification
	if opts.VerifyChecksums {
		all, err := e.manifest.VerifyAll()
		if err != nil {
			return nil, err
		}
		checksums = all
	}

	perRule := make(map[string]int)
	for _, cur := range currencies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scan, err := e.scanCurrency(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, v := range checksums {
			if strings.HasPrefix(v.Path, cur+"/") {
				scan.Checksums = append(scan.Checksums, v)
			}
		}

		report.Files += len(scan.Files)
		report.Rows += scan.TotalRows()
		if scan.DVOL != nil {
			report.Files++
			report.Candles += scan.DVOL.Rows
		}

		for _, rule := range e.rules {
			for _, f := range rule.Check(scan, e.th) {
				if e.th.MaxFindingsPerRule > 0 && perRule[rule.Name()] >= e.th.MaxFindingsPerRule {
					report.Suppressed++
					continue
				}
				perRule[rule.Name()]++
				report.Findings = append(report.Findings, f)
			}
		}
	}

	report.finalize()
	report.Duration = time.Since(start)

	log := e.log.WithFields(logger.Fields{
		"currencies": currencies,
		"files":      report.Files,
		"rows":       report.Rows,
		"findings":   len(report.Findings),
		"passed":     report.Passed,
	})
	if report.Passed {
		log.Info("validation finished")
	} else {
		log.Warn("validation failed")
	}
	logger.LogPerformanceEntry(log, "validation", "run", report.Duration, nil)
	return report, nil
}

// scanCurrency streams every trade partition and the DVOL series once.
func (e *Engine) scanCurrency(ctx context.Context, currency string) (*Scan, error) {
	dates, err := writer.ListPartitions(e.catalog, currency)
	if err != nil {
		return nil, err
	}

	sc := newTradeScanner(e.th)
	paths := make([]string, 0, len(dates))
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := writer.TradePartitionPath(e.catalog, currency, date)
		paths = append(paths, path)
		rel, _ := e.manifest.RelPath(path)
		sc.begin(rel, date)
		err := writer.ReadTrades(path, e.chunk, func(rows []models.OptionTrade) error {
			for _, t := range rows {
				sc.observe(t)
			}
			return nil
		})
		if err != nil {
			sc.fail(err)
			e.log.WithError(err).WithFields(logger.Fields{"file": rel}).Warn("partition unreadable")
		}
	}

	err = sc.resolve(func(file int32, fn func(models.OptionTrade)) error {
		return writer.ReadTrades(paths[file], e.chunk, func(rows []models.OptionTrade) error {
			for _, t := range rows {
				fn(t)
			}
			return nil
		})
	})
	if err != nil {
		e.log.WithError(err).WithFields(logger.Fields{"currency": currency}).Warn("duplicate fingerprints not fully confirmed")
	}

	scan := &Scan{Currency: currency, Files: sc.files}

	dvolPath := writer.DVOLPath(e.catalog, currency)
	if _, err := os.Stat(dvolPath); err == nil {
		rel, _ := e.manifest.RelPath(dvolPath)
		candles, err := writer.ReadCandles(dvolPath)
		if err != nil {
			scan.DVOL = &DVOLStats{Path: rel, Err: err}
		} else {
			scan.DVOL = scanCandles(rel, candles, e.th.DVOLMaxGap)
		}
	}
	return scan, nil
}

// Currencies lists the currency directories present in the catalog.
func Currencies(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		if name != strings.ToUpper(name) {
			continue
		}
		if isDir(filepath.Join(root, name, "trades")) || isDir(filepath.Join(root, name, "dvol")) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
