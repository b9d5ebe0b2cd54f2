package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
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

// DVOL ingests the volatility index of currency up to now. A zero start
// continues after the checkpoint, or begins at the configured DVOL start
// date when there is none.
func (o *Orchestrator) DVOL(ctx context.Context, currency string, start time.Time) (*RunResult, error) {
	currency = strings.ToUpper(currency)
	began := o.now()
	kind := models.KindDVOL
	res := &RunResult{RunID: uuid.NewString(), Currency: currency, Kind: kind, State: StateIdle.String()}
	log := logger.GetLogger().WithRun(res.RunID).WithComponent("pipeline").WithFields(logger.Fields{
		"operation": "dvol",
		"currency":  currency,
		"kind":      kind,
	})

	l, err := lock.Acquire(o.checkpoints.Dir(), currency, kind, res.RunID)
	if err != nil {
		log.WithError(err).Error("failed to acquire pair lock")
		return nil, &RunError{Currency: currency, Kind: kind, Err: err}
	}
	defer l.Release()

	if removed, err := atomicfile.CleanStale(filepath.Dir(writer.DVOLPath(o.cfg.Catalog.Path, currency))); err == nil && len(removed) > 0 {
		log.WithFields(logger.Fields{"removed": len(removed)}).Info("removed stale temp files")
	}

	prev, err := o.checkpoints.Load(currency, kind)
	if err != nil {
		return nil, &RunError{Currency: currency, Kind: kind, Err: err}
	}

	rec := &runRecorder{Recorder: o.audit}
	end := o.now().UTC()
	if prev != nil {
		res.LastPartition = prev.Partition
		res.CursorMs = prev.CursorMs
	}
	if start.IsZero() {
		switch {
		case prev != nil:
			start = time.UnixMilli(prev.CursorMs + 1).UTC()
			rec.Record(models.AuditEvent{
				RunID:     res.RunID,
				Kind:      models.EventResume,
				Operation: "dvol",
				Currency:  currency,
				DataKind:  kind,
				Partition: prev.Partition,
				Message:   fmt.Sprintf("resuming after %s", prev.Cursor().Format(time.RFC3339)),
			})
		default:
			start = o.cfg.DVOLStartTime()
		}
	}

	cp := &models.Checkpoint{
		Currency:  currency,
		Kind:      kind,
		Partition: "dvol",
		StartMs:   start.UnixMilli(),
		EndMs:     end.UnixMilli(),
		RunID:     res.RunID,
		StartedAt: began.UTC(),
	}
	if prev != nil {
		cp.CursorMs = prev.CursorMs
		cp.PagesFetched = prev.PagesFetched
		cp.RowsCommitted = prev.RowsCommitted
		cp.FilesWritten = prev.FilesWritten
	}
	basePages := cp.PagesFetched

	event := func(k models.EventKind, msg string, details map[string]any) {
		rec.Record(models.AuditEvent{
			RunID:     res.RunID,
			Kind:      k,
			Operation: "dvol",
			Currency:  currency,
			DataKind:  kind,
			Partition: cp.Partition,
			Rows:      res.RowsCommitted,
			Pages:     res.Pages,
			Message:   msg,
			Details:   details,
		})
	}

	if !start.Before(end) {
		res.UpToDate = true
		res.Completed = true
		log.Info("dvol series already up to date")
		return res, nil
	}

	w, err := writer.NewDVOLWriter(o.cfg.Catalog.Path, currency, o.writerOptions(log))
	if err != nil {
		return nil, &RunError{Currency: currency, Kind: kind, Err: err}
	}
	norm := processor.NewNormalizer()
	state := StateIdle
	enter := func(s State) {
		state = s
		res.State = s.String()
	}
	var lastMs int64

	event(models.EventRunStart, "dvol started", map[string]any{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	})
	log.WithFields(logger.Fields{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	}).Info("dvol run started")

	flush := func(ctx context.Context) error {
		if w.Pending() == 0 {
			return nil
		}
		enter(StateFlushing)
		t0 := time.Now()
		fr, err := w.Flush()
		if err != nil {
			o.metrics.FlushFailed(currency, string(kind))
			return err
		}
		if !fr.Written {
			return nil
		}
		cp.CursorMs = lastMs
		cp.PagesFetched = basePages + res.Pages
		cp.RowsCommitted += int64(fr.RowsAdded)
		cp.FilesWritten++
		if err := o.checkpoints.Save(cp); err != nil {
			return err
		}
		enter(StateCommitted)

		res.RowsCommitted += int64(fr.RowsAdded)
		res.FilesWritten++
		res.LastPartition = fr.Partition
		res.CursorMs = lastMs

		size := o.commitFile(ctx, log, fr, map[string]string{"currency": currency, "kind": string(kind)})
		res.BytesWritten += size
		o.metrics.Flushed(currency, string(kind), fr.RowsAdded, time.Since(t0))
		logger.RecordFileWrite(currency+"_"+string(kind), fr.RowsAdded, size)
		event(models.EventPartitionFlushed, "dvol series flushed", map[string]any{
			"path":       fr.Path,
			"rows_added": fr.RowsAdded,
			"total_rows": fr.TotalRows,
			"size_bytes": size,
		})
		return nil
	}

	loop := func(ctx context.Context) error {
		src := o.newSource(res.RunID, rec)
		next := &deribit.DVOLCursor{Currency: currency, StartMs: start.UnixMilli(), EndMs: end.UnixMilli()}
		sinceFlush := 0
		for next != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			if o.cfg.Deribit.MaxPages > 0 && res.Pages >= int64(o.cfg.Deribit.MaxPages) {
				res.Truncated = true
				log.WithFields(logger.Fields{"max_pages": o.cfg.Deribit.MaxPages}).Warn("page limit reached; run truncated")
				break
			}

			enter(StateFetching)
			cur := *next
			page, following, err := src.FetchDVOLPage(ctx, cur)
			if err != nil {
				return err
			}
			res.Pages++
			sinceFlush++

			enter(StateNormalizing)
			for _, raw := range page.Rows {
				res.Records++
				candle, err := norm.Candle(raw)
				if err != nil {
					res.DeadLettered++
					o.metrics.Record(currency, string(kind), metrics.OutcomeDeadLettered)
					o.deadLetters.Write(models.DeadLetterEntry{
						Timestamp: o.now().UTC(),
						Currency:  currency,
						Kind:      kind,
						Reason:    string(processor.ReasonOf(err)),
						Error:     err.Error(),
						Cursor:    cur.String(),
						Raw:       raw,
					})
					continue
				}
				ok, err := w.Append(candle)
				if err != nil {
					return err
				}
				if ok {
					res.Accepted++
					o.metrics.Record(currency, string(kind), metrics.OutcomeAccepted)
				} else {
					res.Duplicates++
					o.metrics.Record(currency, string(kind), metrics.OutcomeDuplicate)
				}
				lastMs = candle.Timestamp.UnixMilli()
			}

			next = following
			if o.cfg.Ingest.FlushEveryPages > 0 && sinceFlush >= o.cfg.Ingest.FlushEveryPages {
				if err := flush(ctx); err != nil {
					return err
				}
				sinceFlush = 0
			}
		}
		if err := flush(ctx); err != nil {
			return err
		}
		if !res.Truncated {
			cp.Completed = true
			cp.PagesFetched = basePages + res.Pages
			res.Completed = true
			if lastMs == 0 && cp.CursorMs < cp.StartMs {
				cp.CursorMs = cp.StartMs - 1
			}
			if err := o.checkpoints.Save(cp); err != nil {
				return err
			}
		}
		enter(StateIdle)
		return nil
	}

	err = loop(ctx)
	res.Duration = o.now().Sub(began)
	res.Retries = rec.retries.Load()
	metrics.ReportRun(logger.GetLogger(), "pipeline", metrics.RunStats{
		Currency:      currency,
		Kind:          string(kind),
		PagesFetched:  res.Pages,
		RowsCommitted: res.RowsCommitted,
		FilesWritten:  res.FilesWritten,
		BytesWritten:  res.BytesWritten,
		DeadLetters:   res.DeadLettered,
		Duplicates:    res.Duplicates,
		Retries:       res.Retries,
	})

	if err != nil {
		w.Drop()
		entry := log.WithError(err).WithFields(logger.Fields{"state": state.String()})
		if errors.Is(err, context.Canceled) {
			entry.Warn("dvol run cancelled")
		} else {
			entry.Error("dvol run failed")
			event(models.EventError, err.Error(), map[string]any{"state": state.String()})
		}
		event(models.EventRunEnd, "run stopped", map[string]any{"error": err.Error()})
		return res, &RunError{
			Currency:      currency,
			Kind:          kind,
			State:         state,
			LastPartition: res.LastPartition,
			CursorMs:      cp.CursorMs,
			Err:           err,
		}
	}

	o.metrics.Succeeded(currency, string(kind), o.now())
	event(models.EventRunEnd, "dvol finished", map[string]any{
		"completed": res.Completed,
		"truncated": res.Truncated,
		"replays":   w.Replays(),
		"duration":  res.Duration.String(),
	})
	return res, nil
}
