package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestParseCurrencies(t *testing.T) {
	got := parseCurrencies([]string{"btc, eth", "", "sol"})
	want := []string{"BTC", "ETH", "SOL"}
	if len(got) != len(want) {
		t.Fatalf("want %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v got %v", want, got)
		}
	}
}

func TestParseDates(t *testing.T) {
	start, err := parseDate("start", "2024-01-15")
	if err != nil || !start.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v %v", start, err)
	}
	end, err := parseEndDate("end", "2024-01-15")
	if err != nil || !end.Equal(time.Date(2024, 1, 15, 23, 59, 59, int(999*time.Millisecond), time.UTC)) {
		t.Fatalf("unexpected end %v %v", end, err)
	}
	if zero, err := parseEndDate("end", ""); err != nil || !zero.IsZero() {
		t.Fatalf("empty flag should be the zero time, got %v %v", zero, err)
	}
	if _, err := parseDate("start", "15/01/2024"); err == nil {
		t.Fatalf("expected a format error")
	}
}

func TestInfoAndValidateOnEmptyCatalog(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOG_OUTPUT", "stderr")

	var out bytes.Buffer
	rootCMD.SetOut(&out)
	rootCMD.SetArgs([]string{"--catalog", dir, "info", "--json"})
	if err := rootCMD.Execute(); err != nil {
		t.Fatalf("info: %v", err)
	}
	var info struct {
		Catalog string `json:"catalog"`
	}
	if err := json.Unmarshal(out.Bytes(), &info); err != nil || info.Catalog != dir {
		t.Fatalf("unexpected info output %q: %v", out.String(), err)
	}

	out.Reset()
	rootCMD.SetArgs([]string{"--catalog", dir, "validate"})
	if err := rootCMD.Execute(); err != nil {
		t.Fatalf("an empty catalog should validate: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("PASSED")) {
		t.Fatalf("unexpected validate output %q", out.String())
	}
}
