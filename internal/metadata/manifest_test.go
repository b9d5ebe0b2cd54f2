package metadata

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRecordAndVerify(t *testing.T) {
	root := t.TempDir()
	b := NewBuilder(root)
	rel := "BTC/trades/2024-01-15.parquet"
	writeFile(t, root, rel, "PAR1 data PAR1")

	minTs := time.Date(2024, 1, 15, 0, 0, 1, 0, time.UTC)
	entry, err := b.Record(rel, 3, minTs, minTs.Add(time.Hour))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.SizeBytes != 14 || len(entry.SHA256) != 64 || entry.RowCount != 3 {
		t.Fatalf("unexpected entry %+v", entry)
	}

	doc, err := b.Load()
	if err != nil || doc.Files[rel].SHA256 != entry.SHA256 || doc.CatalogPath != root || doc.Version != 1 {
		t.Fatalf("manifest not persisted: %+v %v", doc, err)
	}

	v, err := b.Verify(rel)
	if err != nil || !v.OK() {
		t.Fatalf("expected intact file, got %+v %v", v, err)
	}

	// same size, different bytes
	writeFile(t, root, rel, "PAR1 dat4 PAR1")
	v, _ = b.Verify(rel)
	if v.Status != StatusChecksumMismatch {
		t.Fatalf("expected checksum mismatch, got %+v", v)
	}
	writeFile(t, root, rel, "PAR1")
	v, _ = b.Verify(rel)
	if v.Status != StatusSizeMismatch {
		t.Fatalf("expected size mismatch, got %+v", v)
	}
}

func TestVerifyAllFindsMissingAndUnmanifested(t *testing.T) {
	root := t.TempDir()
	b := NewBuilder(root)
	writeFile(t, root, "BTC/trades/2024-01-01.parquet", "a")
	writeFile(t, root, "BTC/trades/2024-01-02.parquet", "b")
	writeFile(t, root, "BTC/dvol/dvol.parquet", "c")
	writeFile(t, root, "BTC/trades/.2024-01-03.parquet.tmp-123", "partial")
	writeFile(t, root, ".checkpoints/ignored.parquet", "x")

	now := time.Now()
	for _, rel := range []string{"BTC/trades/2024-01-01.parquet", "BTC/trades/2024-01-02.parquet"} {
		if _, err := b.Record(rel, 1, now, now); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	os.Remove(filepath.Join(root, "BTC", "trades", "2024-01-02.parquet"))

	got, err := b.VerifyAll()
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	want := map[string]Status{
		"BTC/dvol/dvol.parquet":         StatusUnmanifested,
		"BTC/trades/2024-01-01.parquet": StatusOK,
		"BTC/trades/2024-01-02.parquet": StatusMissing,
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected results %+v", got)
	}
	for _, v := range got {
		if want[v.Path] != v.Status {
			t.Errorf("%s: want %s got %s", v.Path, want[v.Path], v.Status)
		}
	}

	totals, _ := b.Totals("BTC/trades/")
	if totals.Files != 2 || totals.Rows != 2 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	root := t.TempDir()
	a, c := NewBuilder(root), NewBuilder(root)
	var wg sync.WaitGroup
	for i, cur := range []string{"BTC", "ETH", "SOL", "USDC"} {
		rel := cur + "/dvol/dvol.parquet"
		writeFile(t, root, rel, cur)
		b := a
		if i%2 == 1 {
			b = c
		}
		wg.Add(1)
		go func(b *Builder, rel string) {
			defer wg.Done()
			if _, err := b.Record(rel, 1, time.Now(), time.Now()); err != nil {
				t.Errorf("record %s: %v", rel, err)
			}
		}(b, rel)
	}
	wg.Wait()

	doc, err := a.Load()
	if err != nil || len(doc.Files) != 4 {
		t.Fatalf("expected 4 entries, got %d %v", len(doc.Files), err)
	}
}

func TestRemoveDropsEntries(t *testing.T) {
	root := t.TempDir()
	b := NewBuilder(root)
	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rels := []string{"BTC/trades/2024-01-15.parquet", "BTC/trades/2024-01-16.parquet", "ETH/dvol.parquet"}
	for _, rel := range rels {
		writeFile(t, root, rel, rel)
		if _, err := b.Record(rel, 1, ts, ts); err != nil {
			t.Fatalf("record %s: %v", rel, err)
		}
	}

	if err := b.Remove(); err != nil {
		t.Fatalf("empty remove: %v", err)
	}
	if err := b.Remove(rels[0], rels[1], "BTC/trades/unknown.parquet"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	doc, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Files) != 1 {
		t.Fatalf("expected only the ETH entry, got %v", doc.Files)
	}
	if _, ok := doc.Files[rels[2]]; !ok {
		t.Fatalf("ETH entry removed: %v", doc.Files)
	}
}
