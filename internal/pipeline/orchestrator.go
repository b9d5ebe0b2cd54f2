// Package pipeline runs the ingestion state machine for each (currency,
// kind) pair and exposes the operator entry points: Backfill, Sync, DVOL,
// Validate, Info and Reconcile.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deribitflow/config"
	"deribitflow/internal/audit"
	"deribitflow/internal/checkpoint"
	"deribitflow/internal/deadletter"
	"deribitflow/internal/metadata"
	"deribitflow/internal/metrics"
	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/reader/deribit"
	"deribitflow/writer"
)

// Source is the upstream the orchestrator pulls pages from.
type Source interface {
	FetchTradePage(ctx context.Context, cur deribit.TradeCursor) (*models.TradePage, *deribit.TradeCursor, error)
	FetchDVOLPage(ctx context.Context, cur deribit.DVOLCursor) (*models.DVOLPage, *deribit.DVOLCursor, error)
	CountTrades(ctx context.Context, currency string, from, to time.Time) (int64, error)
}

// Mirror receives every finalized catalog file.
type Mirror interface {
	Mirror(ctx context.Context, relpath string, meta map[string]string) error
}

// SourceFactory builds the source of one run. recorder is the run's audit
// trail and dead letters its dead-letter sink.
type SourceFactory func(runID string, recorder audit.Recorder) Source

// Orchestrator owns the shared catalog services. Runs of different pairs
// may execute concurrently; runs of the same pair are serialized by the
// pair lock.
type Orchestrator struct {
	cfg *config.Config

	checkpoints *checkpoint.Store
	deadLetters *deadletter.Sink
	audit       *audit.Log
	manifest    *metadata.Builder
	metrics     *metrics.Metrics
	mirror      Mirror

	newSource     SourceFactory
	clientOptions []deribit.Option
	now           func() time.Time
	log           *logger.Entry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSource replaces the Deribit client, mainly for tests.
func WithSource(f SourceFactory) Option {
	return func(o *Orchestrator) { o.newSource = f }
}

// WithClientOptions appends options to every Deribit client the
// orchestrator builds.
func WithClientOptions(opts ...deribit.Option) Option {
	return func(o *Orchestrator) { o.clientOptions = append(o.clientOptions, opts...) }
}

// WithMirror overrides the S3 mirror built from the storage config.
func WithMirror(m Mirror) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires the catalog services for cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := os.MkdirAll(cfg.Catalog.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog: %w", err)
	}

	o := &Orchestrator{
		cfg:         cfg,
		checkpoints: checkpoint.NewStore(cfg.CheckpointDir()),
		deadLetters: deadletter.New(cfg.Catalog.Path),
		audit:       audit.New(cfg.Catalog.Path),
		manifest:    metadata.NewBuilder(cfg.Catalog.Path),
		now:         time.Now,
		log:         logger.GetLogger().WithComponent("pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.newSource == nil {
		o.newSource = o.deribitSource
	}

	if o.mirror == nil && cfg.Storage.S3.Enabled {
		m, err := writer.NewS3Mirror(ctx, cfg.Storage.S3, cfg.Catalog.Path, cfg.App.Version)
		if err != nil {
			o.log.WithError(err).Warn("s3 mirror disabled")
		} else {
			o.mirror = m
		}
	}

	o.log.WithFields(logger.Fields{
		"catalog":           cfg.Catalog.Path,
		"checkpoints":       o.checkpoints.Dir(),
		"compression":       cfg.Catalog.Compression,
		"flush_every_pages": cfg.Ingest.FlushEveryPages,
		"mirror":            o.mirror != nil,
	}).Info("orchestrator initialized")
	return o, nil
}

func (o *Orchestrator) deribitSource(runID string, recorder audit.Recorder) Source {
	opts := []deribit.Option{
		deribit.WithRunID(runID),
		deribit.WithAudit(recorder),
		deribit.WithDeadLetters(o.deadLetters),
		deribit.WithMetrics(o.metrics),
	}
	return deribit.NewClient(o.cfg.Deribit, append(opts, o.clientOptions...)...)
}

// Metrics returns the run metrics.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Close pushes the run metrics and mirrors the manifest.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	if o.mirror != nil {
		if _, err := os.Stat(o.manifest.Path()); err == nil {
			if err := o.mirror.Mirror(ctx, metadata.FileName, nil); err != nil {
				o.log.WithError(err).Warn("failed to mirror manifest")
			}
		}
	}
	host, _ := os.Hostname()
	if err := o.metrics.Push(ctx, o.cfg.Metrics.PushgatewayURL, o.cfg.Metrics.Job, host); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) writerOptions(log *logger.Entry) writer.Options {
	return writer.Options{
		Compression: o.cfg.Catalog.Compression,
		ReadChunk:   o.cfg.Catalog.ReadChunk,
		OnLoad:      func(fr writer.FlushResult) { o.repairManifest(log, fr) },
	}
}

// repairManifest re-records a committed file whose manifest entry is
// missing or stale. That happens when a run stopped between publishing a
// file and recording it, and the replay that follows has nothing new to
// flush.
func (o *Orchestrator) repairManifest(log *logger.Entry, fr writer.FlushResult) {
	rel, err := o.manifest.RelPath(fr.Path)
	if err != nil {
		return
	}
	v, err := o.manifest.Verify(rel)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"file": rel}).Warn("failed to verify manifest entry")
		return
	}
	if v.OK() {
		return
	}
	if _, err := o.manifest.Record(rel, fr.TotalRows, fr.MinTimestamp, fr.MaxTimestamp); err != nil {
		log.WithError(err).WithFields(logger.Fields{"file": rel}).Warn("failed to repair manifest entry")
		return
	}
	log.WithFields(logger.Fields{
		"file":   rel,
		"status": v.Status,
		"rows":   fr.TotalRows,
	}).Warn("manifest entry repaired")
}

// runRecorder forwards to the audit log and counts retries.
type runRecorder struct {
	audit.Recorder
	retries atomic.Int64
}

func (r *runRecorder) Record(ev models.AuditEvent) {
	if ev.Kind == models.EventRetry {
		r.retries.Add(1)
	}
	r.Recorder.Record(ev)
}

// each runs fn for every currency concurrently and joins the errors.
func each(currencies []string, fn func(currency string) (*RunResult, error)) ([]*RunResult, error) {
	results := make([]*RunResult, len(currencies))
	errs := make([]error, len(currencies))
	var wg sync.WaitGroup
	for i, cur := range currencies {
		wg.Add(1)
		go func(i int, cur string) {
			defer wg.Done()
			results[i], errs[i] = fn(strings.ToUpper(cur))
		}(i, cur)
	}
	wg.Wait()

	out := make([]*RunResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

func (o *Orchestrator) currencies(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return o.cfg.Ingest.Currencies
}

// EndOfYesterday is the default backfill end: 23:59:59.999 UTC of the day
// before now.
func EndOfYesterday(now time.Time) time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	return today.Add(-time.Millisecond)
}
