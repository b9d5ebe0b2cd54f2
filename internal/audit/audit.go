// Package audit appends one JSON line per ingestion operation to monthly
// files under {catalog}/_audit.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deribitflow/logger"
	"deribitflow/models"
)

const dirName = "_audit"

// Recorder accepts audit events. Implementations must not fail the caller.
type Recorder interface {
	Record(ev models.AuditEvent)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(models.AuditEvent) {}

// Log is the file backed Recorder.
type Log struct {
	dir string
	mu  sync.Mutex
	log *logger.Entry
	now func() time.Time
}

// New returns an audit log below catalog.
func New(catalog string) *Log {
	return &Log{
		dir: filepath.Join(catalog, dirName),
		log: logger.GetLogger().WithComponent("audit"),
		now: time.Now,
	}
}

// Dir returns the audit directory.
func (l *Log) Dir() string { return l.dir }

// Path returns the file holding events of t's month.
func (l *Log) Path(t time.Time) string {
	return filepath.Join(l.dir, "audit_"+t.UTC().Format("2006-01")+".jsonl")
}

// Record stamps ev with an id and time when missing and appends it.
// Failures are logged and swallowed.
func (l *Log) Record(ev models.AuditEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		l.log.WithError(err).WithFields(logger.Fields{"kind": ev.Kind}).Warn("failed to encode audit event")
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := appendLine(l.Path(ev.Timestamp), line); err != nil {
		l.log.WithError(err).WithFields(logger.Fields{"kind": ev.Kind}).Warn("failed to write audit event")
	}
}

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
	return f.Close()
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	Kind     models.EventKind
	Currency string
	RunID    string
}

func (f Filter) match(ev models.AuditEvent) bool {
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.Currency != "" && !strings.EqualFold(ev.Currency, f.Currency) {
		return false
	}
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	return true
}

// Recent returns up to limit matching events, newest first.
func (l *Log) Recent(limit int, f Filter) ([]models.AuditEvent, error) {
	files, err := l.files()
	if err != nil {
		return nil, err
	}
	var out []models.AuditEvent
	for i := len(files) - 1; i >= 0; i-- {
		var month []models.AuditEvent
		err := readEvents(files[i], func(ev models.AuditEvent) {
			if f.match(ev) {
				month = append(month, ev)
			}
		})
		if err != nil {
			return nil, err
		}
		sort.SliceStable(month, func(a, b int) bool { return month[a].Timestamp.After(month[b].Timestamp) })
		out = append(out, month...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

// Summary aggregates the whole audit trail.
type Summary struct {
	Files        int                        `json:"files"`
	Events       int64                      `json:"events"`
	Runs         int                        `json:"runs"`
	ByKind       map[models.EventKind]int64 `json:"by_kind"`
	ByCurrency   map[string]int64           `json:"by_currency"`
	LastEvent    time.Time                  `json:"last_event"`
	RecentErrors []models.AuditEvent        `json:"recent_errors,omitempty"`
}

const maxRecentErrors = 10

// Summary counts events per kind and currency and keeps the latest errors.
func (l *Log) Summary() (Summary, error) {
	s := Summary{ByKind: map[models.EventKind]int64{}, ByCurrency: map[string]int64{}}
	files, err := l.files()
	if err != nil {
		return s, err
	}
	runs := map[string]struct{}{}
	var errs []models.AuditEvent
	for _, path := range files {
		s.Files++
		err := readEvents(path, func(ev models.AuditEvent) {
			s.Events++
			s.ByKind[ev.Kind]++
			if ev.Currency != "" {
				s.ByCurrency[ev.Currency]++
			}
			if ev.RunID != "" {
				runs[ev.RunID] = struct{}{}
			}
			if ev.Timestamp.After(s.LastEvent) {
				s.LastEvent = ev.Timestamp
			}
			if ev.Kind == models.EventError {
				errs = append(errs, ev)
			}
		})
		if err != nil {
			return s, err
		}
	}
	s.Runs = len(runs)
	sort.SliceStable(errs, func(a, b int) bool { return errs[a].Timestamp.After(errs[b].Timestamp) })
	if len(errs) > maxRecentErrors {
		errs = errs[:maxRecentErrors]
	}
	s.RecentErrors = errs
	return s, nil
}

func (l *Log) files() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "audit_") && strings.HasSuffix(name, ".jsonl") {
			out = append(out, filepath.Join(l.dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// readEvents skips lines that do not decode; a torn last line from a
// crash must not hide the rest of the trail.
func readEvents(path string, fn func(models.AuditEvent)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev models.AuditEvent
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		fn(ev)
	}
	return sc.Err()
}
