package deadletter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deribitflow/models"
)

func TestWriteAndStats(t *testing.T) {
	catalog := t.TempDir()
	sink := New(catalog)
	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	sink.Write(models.DeadLetterEntry{
		Timestamp: day,
		Currency:  "BTC",
		Kind:      models.KindTrades,
		Reason:    "invalid_instrument_format",
		Error:     "BTCX-BAD does not match",
		Cursor:    "BTC@1705329000000",
		Raw:       json.RawMessage(`{"instrument_name":"BTCX-BAD"}`),
	})
	sink.Write(models.DeadLetterEntry{Timestamp: day.Add(time.Hour), Currency: "BTC", Reason: "malformed_record", Raw: json.RawMessage(`{}`)})
	sink.Write(models.DeadLetterEntry{Timestamp: day.Add(24 * time.Hour), Currency: "ETH", Reason: "malformed_record", Raw: json.RawMessage(`[1,2]`)})

	if sink.Written() != 3 || sink.Dropped() != 0 {
		t.Fatalf("unexpected counters %d %d", sink.Written(), sink.Dropped())
	}
	if _, err := os.Stat(filepath.Join(catalog, "_dead_letters", "btc_dead_letters_2024-01-15.jsonl")); err != nil {
		t.Fatalf("expected daily file: %v", err)
	}

	st, err := sink.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Files != 2 || st.Total != 3 || st.ByCurrency["BTC"] != 2 || st.ByReason["malformed_record"] != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}

	entries, err := sink.Load("BTC", day, day)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 || string(entries[0].Raw) != `{"instrument_name":"BTCX-BAD"}` {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if got, _ := sink.Load("ETH", day, day); len(got) != 0 {
		t.Fatalf("date filter ignored: %+v", got)
	}
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	catalog := t.TempDir()
	// a regular file where the directory should be
	if err := os.WriteFile(filepath.Join(catalog, "_dead_letters"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := New(catalog)
	sink.Write(models.DeadLetterEntry{Currency: "BTC", Reason: "malformed_record", Raw: json.RawMessage(`{}`)})
	if sink.Dropped() != 1 || sink.Written() != 0 {
		t.Fatalf("expected the entry to be dropped, got %d/%d", sink.Written(), sink.Dropped())
	}
}
