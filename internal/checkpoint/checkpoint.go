// Package checkpoint persists the resume state of each (currency, kind)
// pair. A checkpoint is rewritten exactly once per durable flush through
// the same stage/commit protocol as the partitions it describes.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deribitflow/internal/atomicfile"
	"deribitflow/logger"
	"deribitflow/models"
)

const suffix = "_checkpoint.json"

// Store reads and writes checkpoint files in one directory.
type Store struct {
	dir string
	log *logger.Entry
	now func() time.Time
}

// NewStore returns a store rooted at dir. The directory is created on the
// first Save.
func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		log: logger.GetLogger().WithComponent("checkpoint"),
		now: time.Now,
	}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the checkpoint file of a pair.
func (s *Store) Path(currency string, kind models.Kind) string {
	return filepath.Join(s.dir, strings.ToUpper(currency)+"_"+string(kind)+suffix)
}

// Load returns the checkpoint of a pair, or nil, nil when none exists.
func (s *Store) Load(currency string, kind models.Kind) (*models.Checkpoint, error) {
	path := s.Path(currency, kind)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint file %s: %w", path, err)
	}

	s.log.WithFields(logger.Fields{
		"currency":  cp.Currency,
		"kind":      cp.Kind,
		"partition": cp.Partition,
		"cursor":    cp.Cursor().Format(time.RFC3339Nano),
	}).Debug("checkpoint loaded")
	return &cp, nil
}

// Save commits cp atomically and stamps UpdatedAt.
func (s *Store) Save(cp *models.Checkpoint) error {
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := atomicfile.WriteFile(s.Path(cp.Currency, cp.Kind), data); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Reset deletes the checkpoint of a pair. Deleting a missing checkpoint is
// not an error.
func (s *Store) Reset(currency string, kind models.Kind) error {
	err := os.Remove(s.Path(currency, kind))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	s.log.WithFields(logger.Fields{"currency": currency, "kind": kind}).Info("checkpoint reset")
	return nil
}

// List returns every checkpoint in the store ordered by currency and kind.
// Unreadable files are skipped with a warning.
func (s *Store) List() ([]models.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []models.Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) || atomicfile.IsTemp(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.WithError(err).WithFields(logger.Fields{"file": name}).Warn("skipping unreadable checkpoint")
			continue
		}
		var cp models.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.log.WithError(err).WithFields(logger.Fields{"file": name}).Warn("skipping corrupt checkpoint")
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}
