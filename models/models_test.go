package models

import (
	"math"
	"testing"
	"time"
)

func TestDVOLCandleValidate(t *testing.T) {
	ts := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		candle DVOLCandle
		ok     bool
	}{
		{"valid", DVOLCandle{ts, 55.5, 57.0, 54.1, 56.8}, true},
		{"flat", DVOLCandle{ts, 50, 50, 50, 50}, true},
		{"high below open", DVOLCandle{ts, 55.5, 54.0, 54.1, 56.8}, false},
		{"low above close", DVOLCandle{ts, 55.5, 60, 56, 55.9}, false},
		{"zero", DVOLCandle{ts, 0, 1, 0, 1}, false},
		{"nan", DVOLCandle{ts, math.NaN(), 1, 1, 1}, false},
	}
	for _, tc := range cases {
		err := tc.candle.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestPartitionDateIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	trade := OptionTrade{Timestamp: time.Date(2024, 1, 16, 2, 0, 0, 0, loc)}
	if got := trade.PartitionDate(); got != "2024-01-15" {
		t.Fatalf("expected 2024-01-15, got %s", got)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Trades "); err != nil || k != KindTrades {
		t.Fatalf("unexpected %v %v", k, err)
	}
	if _, err := ParseKind("candles"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestPageUnion(t *testing.T) {
	pages := []Page{&TradePage{}, &DVOLPage{}}
	kinds := []Kind{KindTrades, KindDVOL}
	for i, p := range pages {
		if p.Kind() != kinds[i] {
			t.Fatalf("page %d: expected %s got %s", i, kinds[i], p.Kind())
		}
	}
}
