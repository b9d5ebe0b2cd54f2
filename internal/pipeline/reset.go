package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"deribitflow/internal/lock"
	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/writer"
)

// ResetOptions selects the pair to reset. Purge also deletes the pair's
// committed files and their manifest entries.
type ResetOptions struct {
	Currency string
	Kind     models.Kind
	Purge    bool
}

// ResetResult reports what a reset removed.
type ResetResult struct {
	Currency     string             `json:"currency"`
	Kind         models.Kind        `json:"kind"`
	Previous     *models.Checkpoint `json:"previous,omitempty"`
	FilesRemoved int                `json:"files_removed"`
}

// Reset forgets the resume state of one pair so the next run starts from
// its requested range. It holds the pair lock, so it cannot race a run.
func (o *Orchestrator) Reset(ctx context.Context, opts ResetOptions) (*ResetResult, error) {
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		return nil, errors.New("currency is required")
	}
	kind, err := models.ParseKind(string(opts.Kind))
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	log := logger.GetLogger().WithRun(runID).WithComponent("pipeline").WithFields(logger.Fields{
		"operation": "reset",
		"currency":  currency,
		"kind":      kind,
		"purge":     opts.Purge,
	})

	l, err := lock.Acquire(o.checkpoints.Dir(), currency, kind, runID)
	if err != nil {
		log.WithError(err).Error("failed to acquire pair lock")
		return nil, err
	}
	defer l.Release()

	res := &ResetResult{Currency: currency, Kind: kind}
	if res.Previous, err = o.checkpoints.Load(currency, kind); err != nil {
		return nil, err
	}
	if err := o.checkpoints.Reset(currency, kind); err != nil {
		return nil, err
	}

	if opts.Purge {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		paths, err := o.pairFiles(currency, kind)
		if err != nil {
			return res, err
		}
		var rels []string
		for _, path := range paths {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return res, fmt.Errorf("remove %s: %w", path, err)
			}
			res.FilesRemoved++
			if rel, err := o.manifest.RelPath(path); err == nil {
				rels = append(rels, rel)
			}
		}
		if err := o.manifest.Remove(rels...); err != nil {
			return res, fmt.Errorf("update manifest: %w", err)
		}
	}

	details := map[string]any{"purge": opts.Purge, "files_removed": res.FilesRemoved}
	partition := ""
	if res.Previous != nil {
		partition = res.Previous.Partition
		details["previous_cursor_ms"] = res.Previous.CursorMs
		details["previous_run"] = res.Previous.RunID
	}
	o.audit.Record(models.AuditEvent{
		RunID:     runID,
		Kind:      models.EventReset,
		Operation: "reset",
		Currency:  currency,
		DataKind:  kind,
		Partition: partition,
		Message:   "pair reset",
		Details:   details,
	})
	log.WithFields(logger.Fields{
		"had_checkpoint": res.Previous != nil,
		"files_removed":  res.FilesRemoved,
	}).Info("pair reset")
	return res, nil
}

// pairFiles lists the committed files of a pair.
func (o *Orchestrator) pairFiles(currency string, kind models.Kind) ([]string, error) {
	root := o.cfg.Catalog.Path
	if kind == models.KindDVOL {
		path := writer.DVOLPath(root, currency)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
	dates, err := writer.ListPartitions(root, currency)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(dates))
	for _, d := range dates {
		paths = append(paths, writer.TradePartitionPath(root, currency, d))
	}
	return paths, nil
}
