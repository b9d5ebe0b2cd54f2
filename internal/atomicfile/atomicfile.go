// Package atomicfile implements the two-phase stage/commit protocol used
// for every durable file in the catalog: bytes are staged into a temp file
// in the target's directory, fsynced, and then published with a single
// rename followed by a directory fsync.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tmpMarker = ".tmp-"

// Staged is a temp file that will either replace its target on Commit or
// vanish on Discard.
type Staged struct {
	target string
	file   *os.File
	done   bool
}

// Stage creates the temp file next to target. The caller writes the full
// next state through Writer and then calls Commit or Discard.
func Stage(target string) (*Staged, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+tmpMarker+"*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", target, err)
	}
	return &Staged{target: target, file: f}, nil
}

// File exposes the temp file for writing.
func (s *Staged) File() *os.File { return s.file }

// Path returns the temp file path.
func (s *Staged) Path() string { return s.file.Name() }

// Target returns the path the staged bytes will be published to.
func (s *Staged) Target() string { return s.target }

// Write appends to the staged content.
func (s *Staged) Write(p []byte) (int, error) { return s.file.Write(p) }

// Commit fsyncs the staged bytes and renames them over the target. Once
// Commit returns nil the new content is durable.
func (s *Staged) Commit() error {
	if s.done {
		return errors.New("staged file already finished")
	}
	s.done = true

	if err := s.file.Sync(); err != nil {
		s.cleanup()
		return fmt.Errorf("fsync %s: %w", s.file.Name(), err)
	}
	if err := s.file.Close(); err != nil {
		os.Remove(s.file.Name())
		return fmt.Errorf("close %s: %w", s.file.Name(), err)
	}
	if err := os.Rename(s.file.Name(), s.target); err != nil {
		os.Remove(s.file.Name())
		return fmt.Errorf("rename onto %s: %w", s.target, err)
	}
	return syncDir(filepath.Dir(s.target))
}

// Discard drops the staged bytes. It is safe to call after Commit.
func (s *Staged) Discard() {
	if s.done {
		return
	}
	s.done = true
	s.cleanup()
}

func (s *Staged) cleanup() {
	s.file.Close()
	os.Remove(s.file.Name())
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	st, err := Stage(path)
	if err != nil {
		return err
	}
	if _, err := st.Write(data); err != nil {
		st.Discard()
		return fmt.Errorf("write %s: %w", st.Path(), err)
	}
	return st.Commit()
}

// CleanStale removes temp files left behind by interrupted stages under
// root and returns the removed paths.
func CleanStale(root string) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsTemp(d.Name()) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			removed = append(removed, path)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return removed, err
}

// IsTemp reports whether name looks like a staged temp file.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tmpMarker)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync directory %s: %w", dir, err)
	}
	return nil
}
