package writer

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go/parquet"

	"deribitflow/models"
)

func ptr(v float64) *float64 { return &v }

func trade(id string, ts time.Time) models.OptionTrade {
	return models.OptionTrade{
		Timestamp:    ts,
		TradeID:      id,
		InstrumentID: "BTC-27DEC24-100000-C",
		Underlying:   models.UnderlyingBTC,
		Strike:       100000,
		Expiry:       time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC),
		OptionType:   models.OptionCall,
		Price:        0.0525,
		IV:           ptr(0.65),
		Amount:       10,
		Direction:    models.DirectionBuy,
		IndexPrice:   ptr(42000.5),
	}
}

func readAll(t *testing.T, path string) []models.OptionTrade {
	t.Helper()
	var out []models.OptionTrade
	if err := ReadTrades(path, 2, func(rows []models.OptionTrade) error {
		out = append(out, rows...)
		return nil
	}); err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return out
}

func TestTradeWriterRoundTrip(t *testing.T) {
	catalog := t.TempDir()
	w, err := NewTradeWriter(catalog, "BTC", Options{Compression: "snappy"})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	base := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	noIV := trade("BTC-3", base.Add(2*time.Second))
	noIV.IV = nil
	noIV.IndexPrice = nil
	noIV.MarkPrice = ptr(0)
	in := []models.OptionTrade{trade("BTC-1", base), trade("BTC-2", base.Add(time.Millisecond)), noIV}
	for _, tr := range in {
		if ok, err := w.Append(tr); err != nil || !ok {
			t.Fatalf("append %s: %v %v", tr.TradeID, ok, err)
		}
	}

	res, err := w.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !res.Written || res.RowsAdded != 3 || res.TotalRows != 3 || res.Partition != "2024-01-15" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.MinTimestamp.Equal(base) || !res.MaxTimestamp.Equal(noIV.Timestamp) {
		t.Fatalf("unexpected range %v %v", res.MinTimestamp, res.MaxTimestamp)
	}

	out := readAll(t, TradePartitionPath(catalog, "BTC", "2024-01-15"))
	if len(out) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(out))
	}
	for i := range in {
		a, b := in[i], out[i]
		if a.TradeID != b.TradeID || !a.Timestamp.Equal(b.Timestamp) || !a.Expiry.Equal(b.Expiry) ||
			a.Strike != b.Strike || a.Price != b.Price || a.Amount != b.Amount ||
			a.Underlying != b.Underlying || a.OptionType != b.OptionType || a.Direction != b.Direction {
			t.Fatalf("row %d mismatch: %+v vs %+v", i, a, b)
		}
		if (a.IV == nil) != (b.IV == nil) || (a.IV != nil && *a.IV != *b.IV) {
			t.Fatalf("row %d iv mismatch", i)
		}
		if (a.IndexPrice == nil) != (b.IndexPrice == nil) || (a.MarkPrice == nil) != (b.MarkPrice == nil) {
			t.Fatalf("row %d optional field mismatch", i)
		}
	}
}

func TestTradeWriterAccumulatesAcrossFlushes(t *testing.T) {
	catalog := t.TempDir()
	w, _ := NewTradeWriter(catalog, "ETH", Options{Compression: "snappy"})
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	w.Append(trade("ETH-10", base))
	if _, err := w.Flush(); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	// same instant, lower id: merged ahead of the committed row
	w.Append(trade("ETH-9", base))
	w.Append(trade("ETH-11", base.Add(time.Minute)))
	res, err := w.Flush()
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if res.TotalRows != 3 || res.RowsAdded != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	out := readAll(t, res.Path)
	want := []string{"ETH-9", "ETH-10", "ETH-11"}
	for i, id := range want {
		if out[i].TradeID != id {
			t.Fatalf("position %d: want %s got %s", i, id, out[i].TradeID)
		}
	}
}

func TestTradeWriterSkipsReplays(t *testing.T) {
	catalog := t.TempDir()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	w, _ := NewTradeWriter(catalog, "BTC", Options{Compression: "snappy"})
	w.Append(trade("1", base))
	w.Append(trade("2", base.Add(time.Second)))
	res, err := w.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	before, _ := os.ReadFile(res.Path)

	// a resumed run sees the same trades again
	w2, _ := NewTradeWriter(catalog, "BTC", Options{Compression: "snappy"})
	for _, tr := range []models.OptionTrade{trade("1", base), trade("2", base.Add(time.Second))} {
		ok, err := w2.Append(tr)
		if err != nil || ok {
			t.Fatalf("replay %s: expected skip, got %v %v", tr.TradeID, ok, err)
		}
	}
	if w2.Duplicates() != 2 {
		t.Fatalf("expected 2 duplicates, got %d", w2.Duplicates())
	}
	res2, err := w2.Flush()
	if err != nil || res2.Written {
		t.Fatalf("expected no write, got %+v %v", res2, err)
	}
	after, _ := os.ReadFile(res.Path)
	if string(before) != string(after) {
		t.Fatalf("partition rewritten by a replay")
	}
}

func TestTradeWriterOrderingViolation(t *testing.T) {
	w, _ := NewTradeWriter(t.TempDir(), "BTC", Options{Compression: "snappy"})
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w.Append(trade("2", base))
	_, err := w.Append(trade("1", base.Add(-time.Millisecond)))
	if !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("expected ordering violation, got %v", err)
	}
	var ov *OrderingViolation
	if !errors.As(err, &ov) || ov.ID != "1" {
		t.Fatalf("expected OrderingViolation details, got %v", err)
	}
}

func TestTradeWriterBoundary(t *testing.T) {
	w, _ := NewTradeWriter(t.TempDir(), "BTC", Options{Compression: "snappy"})
	day1 := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)
	next := trade("2", day1.Add(2*time.Second))

	w.Append(trade("1", day1))
	if !w.Boundary(next) {
		t.Fatalf("expected boundary before next day")
	}
	if _, err := w.Append(next); err == nil {
		t.Fatalf("expected error when appending across a boundary without flush")
	}
	if _, err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if ok, err := w.Append(next); err != nil || !ok {
		t.Fatalf("append after flush: %v %v", ok, err)
	}
	if w.Partition() != "2024-03-02" {
		t.Fatalf("unexpected partition %s", w.Partition())
	}
}

func TestTradeWriterDrop(t *testing.T) {
	w, _ := NewTradeWriter(t.TempDir(), "BTC", Options{Compression: "snappy"})
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w.Append(trade("1", ts))
	w.Drop()
	if w.Pending() != 0 {
		t.Fatalf("expected empty buffer")
	}
	if ok, _ := w.Append(trade("1", ts)); !ok {
		t.Fatalf("dropped trade should be accepted again")
	}
}

func TestListPartitionsAndLastCommitted(t *testing.T) {
	catalog := t.TempDir()
	w, _ := NewTradeWriter(catalog, "BTC", Options{Compression: "snappy"})
	d1 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	w.Append(trade("1", d1))
	w.Flush()
	w.Append(trade("2", d2))
	w.Flush()

	dates, err := ListPartitions(catalog, "BTC")
	if err != nil || len(dates) != 2 || dates[0] != "2024-01-01" || dates[1] != "2024-01-02" {
		t.Fatalf("unexpected partitions %v %v", dates, err)
	}
	last, ok, err := LastCommitted(catalog, "BTC", 0)
	if err != nil || !ok || !last.Equal(d2) {
		t.Fatalf("unexpected last committed %v %v %v", last, ok, err)
	}
	if _, ok, _ := LastCommitted(catalog, "ETH", 0); ok {
		t.Fatalf("expected no data for ETH")
	}
}

func TestParseCompression(t *testing.T) {
	cases := map[string]parquet.CompressionCodec{
		"zstd":   parquet.CompressionCodec_ZSTD,
		"SNAPPY": parquet.CompressionCodec_SNAPPY,
		"gzip":   parquet.CompressionCodec_GZIP,
		"none":   parquet.CompressionCodec_UNCOMPRESSED,
	}
	for name, want := range cases {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Errorf("%s: got %v %v", name, got, err)
		}
	}
	if _, err := ParseCompression("lzo"); err == nil {
		t.Errorf("expected error for lzo")
	}
}

func TestTradeWriterFillsHoleInCommittedDay(t *testing.T) {
	catalog := t.TempDir()
	base := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	w, _ := NewTradeWriter(catalog, "BTC", Options{Compression: "snappy"})
	w.Append(trade("A1", base))
	w.Append(trade("A3", base.Add(30*time.Minute)))
	if _, err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// a later run re-fetches the day and finds a trade the first one missed
	var loaded []FlushResult
	w2, _ := NewTradeWriter(catalog, "BTC", Options{
		Compression: "snappy",
		OnLoad:      func(fr FlushResult) { loaded = append(loaded, fr) },
	})
	for _, tr := range []models.OptionTrade{trade("A1", base), trade("A2", base.Add(time.Minute)), trade("A3", base.Add(30*time.Minute))} {
		if _, err := w2.Append(tr); err != nil {
			t.Fatalf("append %s: %v", tr.TradeID, err)
		}
	}
	if len(loaded) != 1 || loaded[0].TotalRows != 2 || !loaded[0].MinTimestamp.Equal(base) || !loaded[0].MaxTimestamp.Equal(base.Add(30*time.Minute)) {
		t.Fatalf("unexpected load report %+v", loaded)
	}
	res, err := w2.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.RowsAdded != 1 || res.TotalRows != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	out := readAll(t, res.Path)
	for i, id := range []string{"A1", "A2", "A3"} {
		if out[i].TradeID != id {
			t.Fatalf("position %d: want %s got %s", i, id, out[i].TradeID)
		}
	}
}
