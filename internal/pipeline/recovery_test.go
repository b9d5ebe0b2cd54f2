package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"deribitflow/internal/atomicfile"
	"deribitflow/internal/audit"
	"deribitflow/models"
	"deribitflow/reader/deribit"
	"deribitflow/writer"
)

// hookSource runs before ahead of every trade page fetch. n counts from 1.
type hookSource struct {
	Source
	calls  int
	before func(n int) error
}

func (s *hookSource) FetchTradePage(ctx context.Context, cur deribit.TradeCursor) (*models.TradePage, *deribit.TradeCursor, error) {
	s.calls++
	if err := s.before(s.calls); err != nil {
		return nil, nil, err
	}
	return s.Source.FetchTradePage(ctx, cur)
}

func hookFetches(o *Orchestrator, before func(n int) error) {
	base := o.newSource
	o.newSource = func(runID string, rec audit.Recorder) Source {
		return &hookSource{Source: base(runID, rec), before: before}
	}
}

func tempFiles(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && atomicfile.IsTemp(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return found
}

func TestCancelAfterFirstPageKeepsCommit(t *testing.T) {
	srv := httptest.NewServer(newFake())
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	o := newOrchestrator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hookFetches(o, func(n int) error {
		if n == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	})

	_, err := o.Backfill(ctx, BackfillOptions{Start: day15, End: end17})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	runErrs := RunErrors(err)
	if len(runErrs) != 1 || runErrs[0].LastPartition != "2024-01-15" || runErrs[0].CursorMs != ms(15, 15, 0) {
		t.Fatalf("unexpected run errors %+v", runErrs)
	}

	cp, _ := o.checkpoints.Load("BTC", models.KindTrades)
	if cp == nil || cp.Completed || cp.Partition != "2024-01-15" || cp.CursorMs != ms(15, 15, 0) {
		t.Fatalf("checkpoint should hold the first page, got %+v", cp)
	}
	if dates, _ := writer.ListPartitions(cfg.Catalog.Path, "BTC"); len(dates) != 1 || dates[0] != "2024-01-15" {
		t.Fatalf("unexpected partitions %v", dates)
	}
	if n := countRows(t, cfg.Catalog.Path); n != 3 {
		t.Fatalf("expected 3 committed rows, got %d", n)
	}
	if tmp := tempFiles(t, cfg.Catalog.Path); len(tmp) != 0 {
		t.Fatalf("temp files left behind: %v", tmp)
	}
}

func TestWriteFailureLeavesCheckpoint(t *testing.T) {
	srv := httptest.NewServer(newFake())
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	cfg.Deribit.PageSize = 2
	o := newOrchestrator(t, cfg)

	dir := writer.TradesDir(cfg.Catalog.Path, "BTC")
	// a regular file where the partition directory belongs fails the
	// second flush even for root
	hookFetches(o, func(n int) error {
		if n != 2 {
			return nil
		}
		if err := os.Rename(dir, dir+".bak"); err != nil {
			return err
		}
		return os.WriteFile(dir, []byte("x"), 0o644)
	})

	_, err := backfill(t, o, false)
	if !errors.Is(err, writer.ErrWriteIO) {
		t.Fatalf("expected a write failure, got %v", err)
	}
	runErrs := RunErrors(err)
	if len(runErrs) != 1 || runErrs[0].State != StateFlushing {
		t.Fatalf("unexpected run errors %+v", runErrs)
	}

	cp, _ := o.checkpoints.Load("BTC", models.KindTrades)
	if cp == nil || cp.Completed || cp.Partition != "2024-01-15" || cp.CursorMs != ms(15, 14, 31) || cp.RowsCommitted != 2 {
		t.Fatalf("checkpoint must stay at the first flush, got %+v", cp)
	}

	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(dir+".bak", dir); err != nil {
		t.Fatal(err)
	}
	if tmp := tempFiles(t, cfg.Catalog.Path); len(tmp) != 0 {
		t.Fatalf("temp files left behind: %v", tmp)
	}
	if n := countRows(t, cfg.Catalog.Path); n != 2 {
		t.Fatalf("committed partition changed: %d rows", n)
	}
}

func TestRerunRepairsManifestAfterCrash(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	o := newOrchestrator(t, cfg)
	if _, err := backfill(t, o, false); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	// a flush that renamed its file but died before the manifest update
	iv := 0.65
	late := models.OptionTrade{
		Timestamp:    time.UnixMilli(ms(17, 5, 0)).UTC(),
		TradeID:      "C3",
		InstrumentID: "BTC-27DEC24-100000-C",
		Underlying:   models.UnderlyingBTC,
		Strike:       100000,
		Expiry:       time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC),
		OptionType:   models.OptionCall,
		Price:        0.05,
		IV:           &iv,
		Amount:       1,
		Direction:    models.DirectionBuy,
	}
	w, err := writer.NewTradeWriter(cfg.Catalog.Path, "BTC", writer.Options{Compression: "snappy"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(late); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if v, _ := o.manifest.Verify("BTC/trades/2024-01-17.parquet"); v.OK() {
		t.Fatalf("manifest should be stale before the rerun")
	}

	fake.mu.Lock()
	fake.trades = append(fake.trades, fakeTrade{"C3", ms(17, 5, 0), "BTC-27DEC24-100000-C"})
	sort.Slice(fake.trades, func(i, j int) bool { return fake.trades[i].ts < fake.trades[j].ts })
	fake.mu.Unlock()

	res, err := backfill(t, o, false)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.FilesWritten != 0 || res.Accepted != 0 {
		t.Fatalf("rerun should only replay, got %+v", res)
	}
	report, err := o.Validate(context.Background(), ValidateOptions{VerifyChecksums: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Passed || report.Count("checksum_mismatch") != 0 || report.Rows != 8 {
		t.Fatalf("expected the manifest to be repaired, got %+v", report.Findings)
	}
	totals, _ := o.manifest.Totals("BTC/trades/")
	if totals.Rows != 8 {
		t.Fatalf("expected 8 manifested rows, got %+v", totals)
	}
}

func TestEarlierStartWithResumeRunsFullRange(t *testing.T) {
	srv := httptest.NewServer(newFake())
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	o := newOrchestrator(t, cfg)

	day16 := day15.AddDate(0, 0, 1)
	if _, err := o.Backfill(context.Background(), BackfillOptions{Start: day16, End: end17}); err != nil {
		t.Fatalf("first backfill: %v", err)
	}
	if n := countRows(t, cfg.Catalog.Path); n != 4 {
		t.Fatalf("expected 4 rows from the 16th on, got %d", n)
	}

	res, err := backfill(t, o, true)
	if err != nil {
		t.Fatalf("extended backfill: %v", err)
	}
	if res.UpToDate || !res.Completed || res.RowsCommitted != 3 {
		t.Fatalf("the 15th should be fetched, got %+v", res)
	}
	if n := countRows(t, cfg.Catalog.Path); n != 7 {
		t.Fatalf("expected 7 rows, got %d", n)
	}
	cp, _ := o.checkpoints.Load("BTC", models.KindTrades)
	if cp == nil || !cp.Completed || cp.StartMs != day15.UnixMilli() || cp.RowsCommitted != 7 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}

	again, err := backfill(t, o, true)
	if err != nil || !again.UpToDate {
		t.Fatalf("expected up to date, got %+v %v", again, err)
	}
}

func TestFailedRerunReportsPreviousPartition(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	o := newOrchestrator(t, cfg)
	if _, err := backfill(t, o, false); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	fake.failFrom.Store(fake.calls.Load() + 1)
	_, err := backfill(t, o, false)
	if !errors.Is(err, deribit.ErrFetchExhausted) {
		t.Fatalf("expected fetch exhaustion, got %v", err)
	}
	runErrs := RunErrors(err)
	if len(runErrs) != 1 || runErrs[0].LastPartition != "2024-01-17" || runErrs[0].CursorMs != ms(17, 4, 0) {
		t.Fatalf("expected the committed position, got %+v", runErrs)
	}
	cp, _ := o.checkpoints.Load("BTC", models.KindTrades)
	if cp == nil || !cp.Completed || cp.CursorMs != ms(17, 4, 0) {
		t.Fatalf("checkpoint changed by a failed run: %+v", cp)
	}
}

func TestRerunFillsHoleInCommittedDay(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	o := newOrchestrator(t, cfg)

	fake.mu.Lock()
	all := fake.trades
	var without []fakeTrade
	for _, tr := range all {
		if tr.id != "A2" {
			without = append(without, tr)
		}
	}
	fake.trades = without
	fake.mu.Unlock()

	if _, err := backfill(t, o, false); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n := countRows(t, cfg.Catalog.Path); n != 6 {
		t.Fatalf("expected 6 rows, got %d", n)
	}

	fake.mu.Lock()
	fake.trades = all
	fake.mu.Unlock()
	res, err := backfill(t, o, false)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.RowsCommitted != 1 {
		t.Fatalf("expected the missing trade only, got %+v", res)
	}
	if n := countRows(t, cfg.Catalog.Path); n != 7 {
		t.Fatalf("expected 7 rows, got %d", n)
	}
	report, err := o.Validate(context.Background(), ValidateOptions{VerifyChecksums: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Passed || report.Count("unsorted") != 0 || report.Count("duplicates") != 0 {
		t.Fatalf("unexpected findings %+v", report.Findings)
	}
}

func TestDVOLEarlierStartMergesSeries(t *testing.T) {
	fake := newFake()
	hour0 := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 5; h++ {
		fake.candles = append(fake.candles, fmt.Sprintf("[%d,55.5,57.0,54.1,56.8]", hour0.Add(time.Duration(h)*time.Hour).UnixMilli()))
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	now := hour0.Add(5*time.Hour - time.Millisecond)
	o, err := New(context.Background(), cfg, WithClientOptions(deribit.WithClock(noSleep{})), WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.DVOL(context.Background(), "BTC", hour0.Add(2*time.Hour)); err != nil {
		t.Fatalf("first dvol run: %v", err)
	}
	res, err := o.DVOL(context.Background(), "BTC", hour0)
	if err != nil {
		t.Fatalf("earlier dvol run: %v", err)
	}
	if res.Accepted != 2 || res.Duplicates < 3 {
		t.Fatalf("expected two older candles merged, got %+v", res)
	}
	candles, err := writer.ReadCandles(writer.DVOLPath(cfg.Catalog.Path, "BTC"))
	if err != nil || len(candles) != 5 {
		t.Fatalf("expected 5 candles, got %d %v", len(candles), err)
	}
	for i, c := range candles {
		if !c.Timestamp.Equal(hour0.Add(time.Duration(i) * time.Hour)) {
			t.Fatalf("candle %d out of order: %s", i, c.Timestamp)
		}
	}
}
