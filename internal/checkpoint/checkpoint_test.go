package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"deribitflow/models"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cp"))

	cp, err := store.Load("BTC", models.KindTrades)
	if err != nil || cp != nil {
		t.Fatalf("expected no checkpoint, got %v %v", cp, err)
	}

	fixed := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	in := &models.Checkpoint{
		Currency:      "btc",
		Kind:          models.KindTrades,
		Partition:     "2024-01-15",
		CursorMs:      1705329000000,
		RowsCommitted: 42,
		RunID:         "run-1",
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := store.Load("BTC", models.KindTrades)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Partition != "2024-01-15" || out.RowsCommitted != 42 || !out.UpdatedAt.Equal(fixed) || out.Currency != "BTC" {
		t.Fatalf("unexpected checkpoint %+v", out)
	}
	if !out.Cursor().Equal(time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cursor %v", out.Cursor())
	}

	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 1 || entries[0].Name() != "BTC_trades_checkpoint.json" {
		t.Fatalf("unexpected files %v", entries)
	}
}

func TestListAndReset(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, cp := range []models.Checkpoint{
		{Currency: "ETH", Kind: models.KindTrades},
		{Currency: "BTC", Kind: models.KindDVOL},
		{Currency: "BTC", Kind: models.KindTrades},
	} {
		cp := cp
		if err := store.Save(&cp); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	os.WriteFile(filepath.Join(store.Dir(), "SOL_trades_checkpoint.json"), []byte("{broken"), 0o644)

	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Currency != "BTC" || list[0].Kind != models.KindDVOL || list[2].Currency != "ETH" {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := store.Reset("ETH", models.KindTrades); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := store.Reset("ETH", models.KindTrades); err != nil {
		t.Fatalf("second reset should be a no-op: %v", err)
	}
	if cp, _ := store.Load("ETH", models.KindTrades); cp != nil {
		t.Fatalf("checkpoint survived reset")
	}
}

func TestLoadCorrupt(t *testing.T) {
	store := NewStore(t.TempDir())
	os.WriteFile(store.Path("BTC", models.KindTrades), []byte("not json"), 0o644)
	if _, err := store.Load("BTC", models.KindTrades); err == nil {
		t.Fatalf("expected parse error")
	}
}
