package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileReplacesTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "manifest.json")

	if err := WriteFile(path, []byte("v1")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFile(path, []byte("v2")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected v2, got %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the target to remain, got %d entries", len(entries))
	}
}

func TestDiscardLeavesPreviousState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024-01-15.parquet")
	if err := WriteFile(path, []byte("committed")); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := Stage(path)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := st.Write([]byte("partial")); err != nil {
		t.Fatalf("write staged: %v", err)
	}
	st.Discard()

	data, _ := os.ReadFile(path)
	if string(data) != "committed" {
		t.Fatalf("target changed after discard: %q", data)
	}
	if _, err := os.Stat(st.Path()); !os.IsNotExist(err) {
		t.Fatalf("temp file still present: %v", err)
	}
	if err := st.Commit(); err == nil {
		t.Fatalf("expected commit after discard to fail")
	}
}

func TestCleanStale(t *testing.T) {
	dir := t.TempDir()
	trades := filepath.Join(dir, "BTC", "trades")
	if err := os.MkdirAll(trades, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// simulate a crash between stage and commit
	st, err := Stage(filepath.Join(trades, "2024-01-15.parquet"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	st.File().Close()
	keep := filepath.Join(trades, "2024-01-14.parquet")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	removed, err := CleanStale(dir)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(removed) != 1 || removed[0] != st.Path() {
		t.Fatalf("unexpected removed set %v", removed)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("committed file removed: %v", err)
	}
}

func TestCleanStaleMissingRoot(t *testing.T) {
	removed, err := CleanStale(filepath.Join(t.TempDir(), "missing"))
	if err != nil || len(removed) != 0 {
		t.Fatalf("expected no-op, got %v %v", removed, err)
	}
}
