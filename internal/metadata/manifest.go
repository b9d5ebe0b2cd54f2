// Package metadata maintains the catalog manifest: one entry per finalized
// partition file with its size, SHA-256 and row statistics. The manifest
// is the source of truth for whether a file on disk is intact.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"deribitflow/internal/atomicfile"
	"deribitflow/logger"
)

const (
	FileName       = "manifest.json"
	lockName       = ".manifest.lock"
	currentVersion = 1
)

// FileEntry describes a single finalized partition file.
type FileEntry struct {
	SizeBytes    int64     `json:"size_bytes"`
	SHA256       string    `json:"sha256"`
	RowCount     int64     `json:"row_count"`
	MinTimestamp time.Time `json:"min_timestamp"`
	MaxTimestamp time.Time `json:"max_timestamp"`
	WrittenAt    time.Time `json:"written_at"`
}

// Document is the on-disk manifest.
type Document struct {
	Version     int                  `json:"version"`
	GeneratedAt time.Time            `json:"generated_at"`
	CatalogPath string               `json:"catalog_path"`
	Files       map[string]FileEntry `json:"files"`
}

// Builder records finalized files into {catalog}/manifest.json. Record is
// safe for concurrent pipelines, in this process or another one.
type Builder struct {
	root string
	mu   sync.Mutex
	log  *logger.Entry
	now  func() time.Time
}

// NewBuilder returns a builder for the catalog rooted at root.
func NewBuilder(root string) *Builder {
	return &Builder{
		root: root,
		log:  logger.GetLogger().WithComponent("manifest"),
		now:  time.Now,
	}
}

// Path returns the manifest file path.
func (b *Builder) Path() string { return filepath.Join(b.root, FileName) }

// RelPath converts an absolute catalog file path into a manifest key.
func (b *Builder) RelPath(path string) (string, error) {
	rel, err := filepath.Rel(b.root, path)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the catalog", path)
	}
	return filepath.ToSlash(rel), nil
}

// Load reads the manifest. A missing manifest is an empty document.
func (b *Builder) Load() (*Document, error) {
	doc := &Document{Version: currentVersion, CatalogPath: b.root, Files: map[string]FileEntry{}}
	data, err := os.ReadFile(b.Path())
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if doc.Files == nil {
		doc.Files = map[string]FileEntry{}
	}
	return doc, nil
}

// Record checksums the file at relpath and rewrites the manifest with its
// entry. rows and the timestamp range come from the writer.
func (b *Builder) Record(relpath string, rows int64, minTs, maxTs time.Time) (FileEntry, error) {
	start := time.Now()
	sum, size, err := Checksum(filepath.Join(b.root, filepath.FromSlash(relpath)))
	if err != nil {
		return FileEntry{}, fmt.Errorf("checksum %s: %w", relpath, err)
	}
	entry := FileEntry{
		SizeBytes:    size,
		SHA256:       sum,
		RowCount:     rows,
		MinTimestamp: minTs.UTC(),
		MaxTimestamp: maxTs.UTC(),
		WrittenAt:    b.now().UTC(),
	}

	err = b.update(func(doc *Document) {
		doc.Files[relpath] = entry
	})
	if err != nil {
		return FileEntry{}, err
	}

	log := b.log.WithFields(logger.Fields{
		"file":       relpath,
		"size_bytes": size,
		"rows":       rows,
	})
	log.Debug("manifest entry recorded")
	logger.LogPerformanceEntry(log, "manifest", "record", time.Since(start), nil)
	return entry, nil
}

// Remove drops the given entries from the manifest in one rewrite.
// Unknown paths are ignored.
func (b *Builder) Remove(relpaths ...string) error {
	if len(relpaths) == 0 {
		return nil
	}
	err := b.update(func(doc *Document) {
		for _, rel := range relpaths {
			delete(doc.Files, rel)
		}
	})
	if err != nil {
		return err
	}
	b.log.WithFields(logger.Fields{"files": len(relpaths)}).Info("manifest entries removed")
	return nil
}

// update applies fn to the latest on-disk manifest under an exclusive
// cross-process lock and commits the result atomically.
func (b *Builder) update(fn func(*Document)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := b.Load()
	if err != nil {
		return err
	}
	fn(doc)
	doc.Version = currentVersion
	doc.CatalogPath = b.root
	doc.GeneratedAt = b.now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := atomicfile.WriteFile(b.Path(), data); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

func (b *Builder) lock() (func(), error) {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(b.root, lockName), flock.SetPermissions(0o644))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock manifest: %w", err)
	}
	return func() { fl.Unlock() }, nil
}

// Checksum returns the hex SHA-256 and size of the file at path.
func Checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Status is the outcome of verifying one file.
type Status string

const (
	StatusOK               Status = "ok"
	StatusMissing          Status = "missing"
	StatusSizeMismatch     Status = "size_mismatch"
	StatusChecksumMismatch Status = "checksum_mismatch"
	StatusUnmanifested     Status = "unmanifested"
)

// Verification reports one file's integrity.
type Verification struct {
	Path     string `json:"path"`
	Status   Status `json:"status"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// OK reports whether the file matched its entry.
func (v Verification) OK() bool { return v.Status == StatusOK }

// Verify recomputes the checksum of relpath against its entry.
func (b *Builder) Verify(relpath string) (Verification, error) {
	doc, err := b.Load()
	if err != nil {
		return Verification{}, err
	}
	entry, ok := doc.Files[relpath]
	if !ok {
		return Verification{Path: relpath, Status: StatusUnmanifested}, nil
	}
	return b.verifyEntry(relpath, entry), nil
}

func (b *Builder) verifyEntry(relpath string, entry FileEntry) Verification {
	v := Verification{Path: relpath, Expected: entry.SHA256}
	sum, size, err := Checksum(filepath.Join(b.root, filepath.FromSlash(relpath)))
	switch {
	case errors.Is(err, os.ErrNotExist):
		v.Status = StatusMissing
	case err != nil:
		v.Status = StatusMissing
		v.Actual = err.Error()
	case size != entry.SizeBytes:
		v.Status = StatusSizeMismatch
		v.Expected = fmt.Sprintf("%d bytes", entry.SizeBytes)
		v.Actual = fmt.Sprintf("%d bytes", size)
	case sum != entry.SHA256:
		v.Status = StatusChecksumMismatch
		v.Actual = sum
	default:
		v.Status = StatusOK
		v.Actual = sum
	}
	return v
}

// VerifyAll checks every manifest entry and reports parquet files on disk
// that have no entry. Results are ordered by path.
func (b *Builder) VerifyAll() ([]Verification, error) {
	doc, err := b.Load()
	if err != nil {
		return nil, err
	}
	var out []Verification
	for rel, entry := range doc.Files {
		out = append(out, b.verifyEntry(rel, entry))
	}

	err = filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != b.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".parquet" || atomicfile.IsTemp(d.Name()) {
			return nil
		}
		rel, err := b.RelPath(path)
		if err != nil {
			return err
		}
		if _, ok := doc.Files[rel]; !ok {
			out = append(out, Verification{Path: rel, Status: StatusUnmanifested})
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	failed := 0
	for _, v := range out {
		if !v.OK() {
			failed++
		}
	}
	b.log.WithFields(logger.Fields{"files": len(out), "failed": failed}).Info("manifest verified")
	return out, nil
}

// Totals aggregates the manifest.
type Totals struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
	Rows  int64 `json:"rows"`
}

// Totals sums the entries whose key starts with prefix ("" for all).
func (b *Builder) Totals(prefix string) (Totals, error) {
	doc, err := b.Load()
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	for rel, e := range doc.Files {
		if !strings.HasPrefix(rel, prefix) {
			continue
		}
		t.Files++
		t.Bytes += e.SizeBytes
		t.Rows += e.RowCount
	}
	return t, nil
}
