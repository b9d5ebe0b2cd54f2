// Package deadletter keeps raw records that failed normalization in daily
// JSON Lines files under {catalog}/_dead_letters.
package deadletter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deribitflow/logger"
	"deribitflow/models"
)

const dirName = "_dead_letters"

// Sink appends dead-letter entries. Write never fails the caller; I/O
// problems are logged and counted.
type Sink struct {
	dir string
	mu  sync.Mutex
	log *logger.Entry
	now func() time.Time

	written int64
	dropped int64
}

// New returns a sink writing below catalog.
func New(catalog string) *Sink {
	return &Sink{
		dir: filepath.Join(catalog, dirName),
		log: logger.GetLogger().WithComponent("dead_letter"),
		now: time.Now,
	}
}

// Dir returns the dead-letter directory.
func (s *Sink) Dir() string { return s.dir }

// Path returns the file collecting currency's entries written on day.
func (s *Sink) Path(currency string, day time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_dead_letters_%s.jsonl", strings.ToLower(currency), day.UTC().Format(models.DateLayout)))
}

// Write appends e as one line. A zero Timestamp is set to now.
func (s *Sink) Write(e models.DeadLetterEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	log := s.log.WithFields(logger.Fields{
		"currency": e.Currency,
		"kind":     e.Kind,
		"reason":   e.Reason,
	})

	line, err := json.Marshal(e)
	if err != nil {
		atomic.AddInt64(&s.dropped, 1)
		log.WithError(err).Warn("failed to encode dead letter")
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLine(s.Path(e.Currency, e.Timestamp), line); err != nil {
		atomic.AddInt64(&s.dropped, 1)
		log.WithError(err).Warn("failed to write dead letter")
		return
	}
	atomic.AddInt64(&s.written, 1)
	log.Debug("record dead-lettered")
}

// Written returns how many entries this sink persisted.
func (s *Sink) Written() int64 { return atomic.LoadInt64(&s.written) }

// Dropped returns how many entries could not be persisted.
func (s *Sink) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Stats summarises the dead-letter directory.
type Stats struct {
	Files      int              `json:"files"`
	Total      int64            `json:"total"`
	ByCurrency map[string]int64 `json:"by_currency"`
	ByReason   map[string]int64 `json:"by_reason"`
}

// Stats reads every dead-letter file. Lines that do not decode are counted
// under the reason "unreadable".
func (s *Sink) Stats() (Stats, error) {
	st := Stats{ByCurrency: map[string]int64{}, ByReason: map[string]int64{}}
	err := s.scan("", func(e models.DeadLetterEntry, ok bool) bool {
		st.Total++
		if !ok {
			st.ByReason["unreadable"]++
			return true
		}
		st.ByCurrency[strings.ToUpper(e.Currency)]++
		st.ByReason[e.Reason]++
		return true
	}, &st.Files)
	return st, err
}

// Load returns the entries of currency written between from and to, both
// inclusive by file date. Zero bounds are open.
func (s *Sink) Load(currency string, from, to time.Time) ([]models.DeadLetterEntry, error) {
	var out []models.DeadLetterEntry
	prefix := strings.ToLower(currency) + "_dead_letters_"
	err := s.scanFiles(func(name string) bool {
		if !strings.HasPrefix(name, prefix) {
			return false
		}
		day, err := time.Parse(models.DateLayout, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".jsonl"))
		if err != nil {
			return false
		}
		if !from.IsZero() && day.Before(truncateDay(from)) {
			return false
		}
		if !to.IsZero() && day.After(truncateDay(to)) {
			return false
		}
		return true
	}, func(e models.DeadLetterEntry, ok bool) bool {
		if ok {
			out = append(out, e)
		}
		return true
	}, nil)
	return out, err
}

func truncateDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func (s *Sink) scan(prefix string, fn func(models.DeadLetterEntry, bool) bool, files *int) error {
	return s.scanFiles(func(name string) bool {
		return strings.HasPrefix(name, prefix) && strings.Contains(name, "_dead_letters_")
	}, fn, files)
}

func (s *Sink) scanFiles(match func(string) bool, fn func(models.DeadLetterEntry, bool) bool, files *int) error {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") && match(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if files != nil {
			*files++
		}
		if err := scanLines(filepath.Join(s.dir, name), func(line []byte) bool {
			var e models.DeadLetterEntry
			err := json.Unmarshal(line, &e)
			return fn(e, err == nil)
		}); err != nil {
			return err
		}
	}
	return nil
}

func scanLines(path string, fn func([]byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	return sc.Err()
}
