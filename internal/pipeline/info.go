package pipeline

import (
	"context"
	"os"
	"time"

	"deribitflow/internal/audit"
	"deribitflow/internal/deadletter"
	"deribitflow/internal/metadata"
	"deribitflow/internal/validation"
	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/writer"
)

// CurrencyInfo summarises what the catalog holds for one currency.
type CurrencyInfo struct {
	Currency    string    `json:"currency"`
	Partitions  int       `json:"partitions"`
	FirstDate   string    `json:"first_date,omitempty"`
	LastDate    string    `json:"last_date,omitempty"`
	Rows        int64     `json:"rows"`
	Bytes       int64     `json:"bytes"`
	DVOLCandles int64     `json:"dvol_candles"`
	DVOLStart   time.Time `json:"dvol_start,omitempty"`
	DVOLEnd     time.Time `json:"dvol_end,omitempty"`
	DVOLBytes   int64     `json:"dvol_bytes"`
}

// CatalogInfo is the answer to the info command.
type CatalogInfo struct {
	Catalog     string              `json:"catalog"`
	GeneratedAt time.Time           `json:"generated_at"`
	Currencies  []CurrencyInfo      `json:"currencies"`
	Checkpoints []models.Checkpoint `json:"checkpoints"`
	Manifest    metadata.Totals     `json:"manifest"`
	DeadLetters deadletter.Stats    `json:"dead_letters"`
	Audit       audit.Summary       `json:"audit"`

	// newest audit events across every pair
	RecentEvents []models.AuditEvent `json:"recent_events,omitempty"`
}

const infoRecentEvents = 10

// Info describes the catalog without modifying it. Unreadable parts are
// logged and left empty.
func (o *Orchestrator) Info(ctx context.Context) (*CatalogInfo, error) {
	start := time.Now()
	root := o.cfg.Catalog.Path
	info := &CatalogInfo{Catalog: root, GeneratedAt: o.now().UTC()}

	currencies, err := validation.Currencies(root)
	if err != nil {
		return nil, err
	}
	for _, cur := range currencies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ci, err := o.currencyInfo(cur)
		if err != nil {
			return nil, err
		}
		info.Currencies = append(info.Currencies, ci)
	}

	if info.Checkpoints, err = o.checkpoints.List(); err != nil {
		o.log.WithError(err).Warn("failed to list checkpoints")
	}
	if info.Manifest, err = o.manifest.Totals(""); err != nil {
		o.log.WithError(err).Warn("failed to read manifest")
	}
	if info.DeadLetters, err = o.deadLetters.Stats(); err != nil {
		o.log.WithError(err).Warn("failed to read dead letters")
	}
	if info.Audit, err = o.audit.Summary(); err != nil {
		o.log.WithError(err).Warn("failed to read audit log")
	}
	if info.RecentEvents, err = o.audit.Recent(infoRecentEvents, audit.Filter{}); err != nil {
		o.log.WithError(err).Warn("failed to read recent audit events")
	}

	logger.LogPerformanceEntry(o.log.WithFields(logger.Fields{"currencies": len(info.Currencies)}), "pipeline", "info", time.Since(start), nil)
	return info, nil
}

func (o *Orchestrator) currencyInfo(currency string) (CurrencyInfo, error) {
	root := o.cfg.Catalog.Path
	ci := CurrencyInfo{Currency: currency}

	dates, err := writer.ListPartitions(root, currency)
	if err != nil {
		return ci, err
	}
	ci.Partitions = len(dates)
	if len(dates) > 0 {
		ci.FirstDate, ci.LastDate = dates[0], dates[len(dates)-1]
	}
	for _, d := range dates {
		path := writer.TradePartitionPath(root, currency, d)
		n, err := writer.CountRows(path, new(writer.TradeRow))
		if err != nil {
			o.log.WithError(err).WithFields(logger.Fields{"file": path}).Warn("failed to count rows")
			continue
		}
		ci.Rows += n
		if st, err := os.Stat(path); err == nil {
			ci.Bytes += st.Size()
		}
	}

	path := writer.DVOLPath(root, currency)
	st, err := os.Stat(path)
	if err != nil {
		return ci, nil
	}
	ci.DVOLBytes = st.Size()
	candles, err := writer.ReadCandles(path)
	if err != nil {
		o.log.WithError(err).WithFields(logger.Fields{"file": path}).Warn("failed to read dvol series")
		return ci, nil
	}
	ci.DVOLCandles = int64(len(candles))
	if len(candles) > 0 {
		ci.DVOLStart = candles[0].Timestamp
		ci.DVOLEnd = candles[len(candles)-1].Timestamp
	}
	return ci, nil
}
