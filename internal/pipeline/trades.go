package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"deribitflow/internal/atomicfile"
	"deribitflow/internal/lock"
	"deribitflow/internal/metrics"
	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/processor"
	"deribitflow/reader/deribit"
	"deribitflow/writer"
)

// RunResult describes one finished run of a (currency, kind) pair.
type RunResult struct {
	RunID         string        `json:"run_id"`
	Currency      string        `json:"currency"`
	Kind          models.Kind   `json:"kind"`
	State         string        `json:"state"`
	Pages         int64         `json:"pages"`
	Records       int64         `json:"records"`
	Accepted      int64         `json:"accepted"`
	DeadLettered  int64         `json:"dead_lettered"`
	Duplicates    int64         `json:"duplicates"`
	RowsCommitted int64         `json:"rows_committed"`
	FilesWritten  int64         `json:"files_written"`
	BytesWritten  int64         `json:"bytes_written"`
	Retries       int64         `json:"retries"`
	LastPartition string        `json:"last_partition,omitempty"`
	CursorMs      int64         `json:"cursor_ms"`
	Completed     bool          `json:"completed"`
	UpToDate      bool          `json:"up_to_date"`
	Truncated     bool          `json:"truncated"`
	Duration      time.Duration `json:"duration"`
}

// BackfillOptions selects the currencies and range of a backfill. A zero
// Start means the configured start date, a zero End the end of yesterday.
type BackfillOptions struct {
	Currencies []string
	Start      time.Time
	End        time.Time
	Resume     bool
	Verify     bool
}

// Backfill ingests the trade history of every requested currency, one
// concurrent pipeline per currency.
func (o *Orchestrator) Backfill(ctx context.Context, opts BackfillOptions) ([]*RunResult, error) {
	start := opts.Start
	if start.IsZero() {
		start = o.cfg.StartTime()
	}
	end := opts.End
	if end.IsZero() {
		end = EndOfYesterday(o.now())
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	currencies := o.currencies(opts.Currencies)

	results, err := each(currencies, func(cur string) (*RunResult, error) {
		return o.runTrades(ctx, "backfill", cur, start, end, opts.Resume)
	})
	if err != nil || !opts.Verify {
		return results, err
	}

	report, err := o.Validate(ctx, ValidateOptions{Currencies: currencies})
	if err != nil {
		return results, fmt.Errorf("post-backfill validation: %w", err)
	}
	if !report.Passed {
		return results, fmt.Errorf("post-backfill validation failed with %d findings", len(report.Findings))
	}
	return results, nil
}

// Sync brings every requested currency up to now, starting from its
// checkpoint or, failing that, from the newest committed partition.
func (o *Orchestrator) Sync(ctx context.Context, currencies []string) ([]*RunResult, error) {
	end := o.now().UTC()
	return each(o.currencies(currencies), func(cur string) (*RunResult, error) {
		start, err := o.syncStart(cur)
		if err != nil {
			return nil, err
		}
		return o.runTrades(ctx, "sync", cur, start, end, true)
	})
}

func (o *Orchestrator) syncStart(currency string) (time.Time, error) {
	cp, err := o.checkpoints.Load(currency, models.KindTrades)
	if err != nil {
		return time.Time{}, err
	}
	if cp != nil {
		return cp.Cursor(), nil
	}
	last, ok, err := writer.LastCommitted(o.cfg.Catalog.Path, currency, o.cfg.Catalog.ReadChunk)
	if err != nil {
		return time.Time{}, fmt.Errorf("find last committed trade for %s: %w", currency, err)
	}
	if ok {
		return last, nil
	}
	return o.cfg.StartTime(), nil
}

// tradeRun is the mutable state of one trade pipeline.
type tradeRun struct {
	o      *Orchestrator
	op     string
	res    *RunResult
	cp     *models.Checkpoint
	w      *writer.TradeWriter
	norm   *processor.Normalizer
	log    *logger.Entry
	rec    *runRecorder
	state  State
	lastMs int64

	basePages int64
}

func (r *tradeRun) enter(s State) {
	r.state = s
	r.res.State = s.String()
}

func (r *tradeRun) event(kind models.EventKind, msg string, details map[string]any) {
	r.rec.Record(models.AuditEvent{
		RunID:     r.res.RunID,
		Kind:      kind,
		Operation: r.op,
		Currency:  r.res.Currency,
		DataKind:  models.KindTrades,
		Partition: r.cp.Partition,
		Rows:      r.res.RowsCommitted,
		Pages:     r.res.Pages,
		Message:   msg,
		Details:   details,
	})
}

func (o *Orchestrator) runTrades(ctx context.Context, op, currency string, start, end time.Time, resume bool) (*RunResult, error) {
	began := o.now()
	res := &RunResult{RunID: uuid.NewString(), Currency: currency, Kind: models.KindTrades, State: StateIdle.String()}
	log := logger.GetLogger().WithRun(res.RunID).WithComponent("pipeline").WithFields(logger.Fields{
		"operation": op,
		"currency":  currency,
		"kind":      models.KindTrades,
	})

	l, err := lock.Acquire(o.checkpoints.Dir(), currency, models.KindTrades, res.RunID)
	if err != nil {
		log.WithError(err).Error("failed to acquire pair lock")
		return nil, &RunError{Currency: currency, Kind: models.KindTrades, Err: err}
	}
	defer l.Release()

	if removed, err := atomicfile.CleanStale(writer.TradesDir(o.cfg.Catalog.Path, currency)); err != nil {
		log.WithError(err).Warn("failed to clean stale temp files")
	} else if len(removed) > 0 {
		log.WithFields(logger.Fields{"removed": len(removed)}).Info("removed stale temp files")
	}

	prev, err := o.checkpoints.Load(currency, models.KindTrades)
	if err != nil {
		return nil, &RunError{Currency: currency, Kind: models.KindTrades, Err: err}
	}

	rec := &runRecorder{Recorder: o.audit}
	cp := &models.Checkpoint{
		Currency:  currency,
		Kind:      models.KindTrades,
		StartMs:   start.UnixMilli(),
		EndMs:     end.UnixMilli(),
		RunID:     res.RunID,
		StartedAt: began.UTC(),
	}
	cursorMs := start.UnixMilli()

	// A checkpoint only covers [prev.StartMs, prev.CursorMs]. A request
	// reaching further back runs its whole range; replays are skipped by
	// the writer.
	resuming := resume && prev != nil && cp.StartMs >= prev.StartMs
	if prev != nil {
		cp.Partition = prev.Partition
		cp.PagesFetched = prev.PagesFetched
		cp.RowsCommitted = prev.RowsCommitted
		cp.FilesWritten = prev.FilesWritten
		cp.CursorMs = prev.CursorMs
		res.LastPartition = prev.Partition
		res.CursorMs = prev.CursorMs
	}
	if resume && prev != nil && !resuming {
		log.WithFields(logger.Fields{
			"start":            start.UTC().Format(time.RFC3339Nano),
			"checkpoint_start": time.UnixMilli(prev.StartMs).UTC().Format(time.RFC3339Nano),
		}).Info("requested start precedes the checkpoint; running the full range")
	}

	if resuming {
		if prev.Completed && prev.EndMs >= cp.EndMs {
			res.UpToDate = true
			res.Completed = true
			log.WithFields(logger.Fields{"partition": prev.Partition}).Info("already up to date")
			return res, nil
		}
		if prev.CursorMs > cursorMs {
			cursorMs = prev.CursorMs
		}
		rec.Record(models.AuditEvent{
			RunID:     res.RunID,
			Kind:      models.EventResume,
			Operation: op,
			Currency:  currency,
			DataKind:  models.KindTrades,
			Partition: prev.Partition,
			Message:   fmt.Sprintf("resuming from %s", prev.Cursor().Format(time.RFC3339Nano)),
			Details:   map[string]any{"cursor_ms": prev.CursorMs, "previous_run": prev.RunID},
		})
		log.WithFields(logger.Fields{
			"partition": prev.Partition,
			"cursor":    prev.Cursor().Format(time.RFC3339Nano),
		}).Info("resuming from checkpoint")
	}

	w, err := writer.NewTradeWriter(o.cfg.Catalog.Path, currency, o.writerOptions(log))
	if err != nil {
		return nil, &RunError{Currency: currency, Kind: models.KindTrades, Err: err}
	}

	run := &tradeRun{
		o:    o,
		op:   op,
		res:  res,
		cp:   cp,
		w:    w,
		norm: processor.NewNormalizer(),
		log:  log,
		rec:  rec,
	}
	if prev != nil {
		run.basePages = prev.PagesFetched
	}
	run.event(models.EventRunStart, op+" started", map[string]any{
		"start": start.UTC().Format(time.RFC3339Nano),
		"end":   end.UTC().Format(time.RFC3339Nano),
	})
	log.WithFields(logger.Fields{
		"start": time.UnixMilli(cursorMs).UTC().Format(time.RFC3339Nano),
		"end":   end.UTC().Format(time.RFC3339Nano),
	}).Info("trade run started")

	src := o.newSource(res.RunID, rec)
	err = run.loop(ctx, src, deribit.TradeCursor{Currency: currency, StartMs: cursorMs, EndMs: end.UnixMilli()})
	res.Duration = o.now().Sub(began)
	res.Duplicates = w.Duplicates()
	res.Retries = rec.retries.Load()

	stats := metrics.RunStats{
		Currency:      currency,
		Kind:          string(models.KindTrades),
		PagesFetched:  res.Pages,
		RowsCommitted: res.RowsCommitted,
		FilesWritten:  res.FilesWritten,
		BytesWritten:  res.BytesWritten,
		DeadLetters:   res.DeadLettered,
		Duplicates:    res.Duplicates,
		Retries:       res.Retries,
	}
	metrics.ReportRun(logger.GetLogger(), "pipeline", stats)

	if err != nil {
		return res, run.fail(err)
	}
	o.metrics.Succeeded(currency, string(models.KindTrades), o.now())
	run.event(models.EventRunEnd, op+" finished", map[string]any{
		"completed":  res.Completed,
		"truncated":  res.Truncated,
		"duplicates": res.Duplicates,
		"duration":   res.Duration.String(),
	})
	return res, nil
}

// loop drives Fetching, Normalizing and Flushing until the source is
// exhausted, the page limit is hit or an error stops the run.
func (r *tradeRun) loop(ctx context.Context, src Source, cursor deribit.TradeCursor) error {
	cfg := r.o.cfg
	next := &cursor
	sinceFlush := 0

	for next != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cfg.Deribit.MaxPages > 0 && r.res.Pages >= int64(cfg.Deribit.MaxPages) {
			r.res.Truncated = true
			r.log.WithFields(logger.Fields{"max_pages": cfg.Deribit.MaxPages}).Warn("page limit reached; run truncated")
			break
		}

		r.enter(StateFetching)
		cur := *next
		page, following, err := src.FetchTradePage(ctx, cur)
		if err != nil {
			return err
		}
		r.res.Pages++
		sinceFlush++

		r.enter(StateNormalizing)
		for _, raw := range page.Trades {
			r.res.Records++
			trade, err := r.norm.Trade(raw)
			if err != nil {
				r.deadLetter(cur, raw, err)
				continue
			}
			if trade.Timestamp.UnixMilli() > cur.EndMs {
				continue
			}
			if r.w.Boundary(trade) {
				if err := r.flush(ctx); err != nil {
					return err
				}
				sinceFlush = 0
			}
			ok, err := r.w.Append(trade)
			if err != nil {
				return err
			}
			if ok {
				r.res.Accepted++
				r.o.metrics.Record(r.res.Currency, string(models.KindTrades), metrics.OutcomeAccepted)
			} else {
				r.o.metrics.Record(r.res.Currency, string(models.KindTrades), metrics.OutcomeDuplicate)
			}
			r.lastMs = trade.Timestamp.UnixMilli()
		}

		next = following
		if cfg.Ingest.FlushEveryPages > 0 && sinceFlush >= cfg.Ingest.FlushEveryPages {
			if err := r.flush(ctx); err != nil {
				return err
			}
			sinceFlush = 0
		}
	}

	if err := r.flush(ctx); err != nil {
		return err
	}
	if !r.res.Truncated {
		r.cp.PagesFetched = r.basePages + r.res.Pages
		r.cp.Completed = true
		r.res.Completed = true
		// a cursor inherited from a checkpoint of another range must not
		// claim more than this run fetched
		if r.cp.CursorMs < r.cp.StartMs {
			r.cp.CursorMs = r.cp.StartMs
		}
		if r.cp.CursorMs > r.cp.EndMs {
			r.cp.CursorMs = r.cp.EndMs
		}
		if err := r.o.checkpoints.Save(r.cp); err != nil {
			return err
		}
	}
	r.enter(StateIdle)
	return nil
}

func (r *tradeRun) deadLetter(cur deribit.TradeCursor, raw []byte, err error) {
	r.res.DeadLettered++
	r.o.metrics.Record(r.res.Currency, string(models.KindTrades), metrics.OutcomeDeadLettered)
	r.o.deadLetters.Write(models.DeadLetterEntry{
		Timestamp: r.o.now().UTC(),
		Currency:  r.res.Currency,
		Kind:      models.KindTrades,
		Reason:    string(processor.ReasonOf(err)),
		Error:     err.Error(),
		Cursor:    cur.String(),
		Raw:       raw,
	})
	r.log.WithError(err).WithFields(logger.Fields{"reason": processor.ReasonOf(err)}).Debug("trade dead-lettered")
}

// flush makes the buffered partition durable, then commits the checkpoint,
// then records the manifest entry, then mirrors. Nothing is committed
// when the write fails.
func (r *tradeRun) flush(ctx context.Context) error {
	if r.w.Pending() == 0 {
		return nil
	}
	r.enter(StateFlushing)
	began := time.Now()
	cur, kind := r.res.Currency, string(models.KindTrades)

	fr, err := r.w.Flush()
	if err != nil {
		r.o.metrics.FlushFailed(cur, kind)
		return err
	}
	if !fr.Written {
		return nil
	}

	r.cp.Partition = fr.Partition
	r.cp.CursorMs = r.lastMs
	r.cp.PagesFetched = r.basePages + r.res.Pages
	r.cp.RowsCommitted += int64(fr.RowsAdded)
	r.cp.FilesWritten++
	r.cp.Completed = false
	if err := r.o.checkpoints.Save(r.cp); err != nil {
		return err
	}
	r.enter(StateCommitted)

	r.res.RowsCommitted += int64(fr.RowsAdded)
	r.res.FilesWritten++
	r.res.LastPartition = fr.Partition
	r.res.CursorMs = r.lastMs

	size := r.o.commitFile(ctx, r.log, fr, map[string]string{
		"currency":  cur,
		"kind":      kind,
		"partition": fr.Partition,
	})
	r.res.BytesWritten += size

	r.o.metrics.Flushed(cur, kind, fr.RowsAdded, time.Since(began))
	logger.RecordFileWrite(cur+"_"+kind, fr.RowsAdded, size)
	r.event(models.EventPartitionFlushed, "partition flushed", map[string]any{
		"path":       fr.Path,
		"rows_added": fr.RowsAdded,
		"total_rows": fr.TotalRows,
		"size_bytes": size,
	})
	return nil
}

// fail discards the uncommitted buffer and reports the last commit.
func (r *tradeRun) fail(err error) error {
	r.w.Drop()
	runErr := &RunError{
		Currency:      r.res.Currency,
		Kind:          models.KindTrades,
		State:         r.state,
		LastPartition: r.res.LastPartition,
		CursorMs:      r.cp.CursorMs,
		Err:           err,
	}
	entry := r.log.WithError(err).WithFields(logger.Fields{
		"state":          r.state.String(),
		"last_partition": r.res.LastPartition,
	})
	if errors.Is(err, context.Canceled) {
		entry.Warn("trade run cancelled")
	} else {
		entry.Error("trade run failed")
		r.event(models.EventError, err.Error(), map[string]any{"state": r.state.String()})
	}
	r.event(models.EventRunEnd, "run stopped", map[string]any{
		"error":          err.Error(),
		"last_partition": r.res.LastPartition,
	})
	return runErr
}

// commitFile records a flushed file in the manifest and mirrors it.
// Both are best effort once the rename succeeded. It returns the file
// size.
func (o *Orchestrator) commitFile(ctx context.Context, log *logger.Entry, fr writer.FlushResult, meta map[string]string) int64 {
	var size int64
	if info, err := os.Stat(fr.Path); err == nil {
		size = info.Size()
	}
	rel, err := o.manifest.RelPath(fr.Path)
	if err != nil {
		log.WithError(err).Warn("flushed file is outside the catalog")
		return size
	}
	if _, err := o.manifest.Record(rel, fr.TotalRows, fr.MinTimestamp, fr.MaxTimestamp); err != nil {
		log.WithError(err).WithFields(logger.Fields{"file": rel}).Warn("failed to record manifest entry")
	}
	if o.mirror != nil {
		if err := o.mirror.Mirror(ctx, rel, meta); err != nil {
			log.WithError(err).WithFields(logger.Fields{"file": rel}).Warn("failed to mirror file")
		}
	}
	return size
}
