package pipeline

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"testing"

	"deribitflow/internal/lock"
	"deribitflow/models"
	"deribitflow/writer"
)

func TestResetCheckpoint(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	o := newOrchestrator(t, cfg)
	if _, err := backfill(t, o, false); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	held, err := lock.Acquire(cfg.CheckpointDir(), "BTC", models.KindTrades, "other-run")
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.Reset(context.Background(), ResetOptions{Currency: "BTC", Kind: models.KindTrades})
	if !errors.Is(err, lock.ErrContention) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	held.Release()

	res, err := o.Reset(context.Background(), ResetOptions{Currency: "btc", Kind: models.KindTrades})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.Previous == nil || res.Previous.Partition != "2024-01-17" || res.FilesRemoved != 0 {
		t.Fatalf("unexpected reset result %+v", res)
	}
	if cp, _ := o.checkpoints.Load("BTC", models.KindTrades); cp != nil {
		t.Fatalf("checkpoint survived the reset: %+v", cp)
	}
	if n := countRows(t, cfg.Catalog.Path); n != 7 {
		t.Fatalf("reset without purge removed data: %d rows", n)
	}

	// without a checkpoint a resumed backfill runs the range again
	calls := fake.calls.Load()
	again, err := backfill(t, o, true)
	if err != nil {
		t.Fatalf("backfill after reset: %v", err)
	}
	if again.UpToDate || fake.calls.Load() == calls || again.FilesWritten != 0 {
		t.Fatalf("expected a replaying run, got %+v", again)
	}
}

func TestResetPurge(t *testing.T) {
	srv := httptest.NewServer(newFake())
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	o := newOrchestrator(t, cfg)
	if _, err := backfill(t, o, false); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	res, err := o.Reset(context.Background(), ResetOptions{Currency: "BTC", Kind: models.KindTrades, Purge: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.FilesRemoved != 3 {
		t.Fatalf("expected 3 files removed, got %+v", res)
	}
	if dates, _ := writer.ListPartitions(cfg.Catalog.Path, "BTC"); len(dates) != 0 {
		t.Fatalf("partitions left after purge: %v", dates)
	}
	totals, _ := o.manifest.Totals("BTC/trades/")
	if totals.Files != 0 {
		t.Fatalf("manifest still lists purged files: %+v", totals)
	}
	summary, _ := o.audit.Summary()
	if summary.ByKind[models.EventReset] != 1 {
		t.Fatalf("reset not audited: %+v", summary.ByKind)
	}

	res, err = o.Reset(context.Background(), ResetOptions{Currency: "BTC", Kind: models.KindDVOL, Purge: true})
	if err != nil || res.Previous != nil || res.FilesRemoved != 0 {
		t.Fatalf("reset of an empty pair: %+v %v", res, err)
	}
	if _, err := o.Reset(context.Background(), ResetOptions{Currency: "BTC", Kind: "candles"}); err == nil {
		t.Fatalf("unknown kind accepted")
	}

	refill, err := backfill(t, o, true)
	if err != nil || refill.RowsCommitted != 7 {
		t.Fatalf("backfill after purge: %+v %v", refill, err)
	}
	if _, err := os.Stat(writer.TradePartitionPath(cfg.Catalog.Path, "BTC", "2024-01-15")); err != nil {
		t.Fatalf("partition not rewritten: %v", err)
	}
}
