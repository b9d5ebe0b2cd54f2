// Package lock guards a (currency, kind) pair against concurrent runs with
// an advisory flock on a per-pair lock file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"deribitflow/models"
)

// ErrContention is matched by every ContentionError.
var ErrContention = errors.New("lock contention")

// ContentionError reports that another run owns the pair.
type ContentionError struct {
	Path   string
	Holder string
}

func (e *ContentionError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s is held by another run", e.Path)
	}
	return fmt.Sprintf("%s is held by another run (%s)", e.Path, e.Holder)
}

func (e *ContentionError) Is(target error) bool { return target == ErrContention }

// Lock is an acquired pair lock.
type Lock struct {
	path string
	fl   *flock.Flock
}

// Path returns the lock file of a pair.
func Path(dir, currency string, kind models.Kind) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.lock", strings.ToUpper(currency), kind))
}

// Acquire takes the pair lock without blocking. owner is written into the
// file so a contending run can report who holds it.
func Acquire(dir, currency string, kind models.Kind, owner string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := Path(dir, currency, kind)
	fl := flock.New(path, flock.SetPermissions(0o644))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	if !locked {
		holder, _ := os.ReadFile(path)
		if len(holder) > 512 {
			holder = holder[:512]
		}
		return nil, &ContentionError{Path: path, Holder: strings.TrimSpace(string(holder))}
	}

	info := fmt.Sprintf("run=%s pid=%d since=%s\n", owner, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	os.WriteFile(path, []byte(info), 0o644)
	return &Lock{path: path, fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. The file stays in place.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	defer func() { l.fl = nil }()
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}
