package pipeline

import (
	"errors"
	"fmt"

	"deribitflow/models"
)

// State is the position of one (currency, kind) run in its loop.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateFlushing
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateFlushing:
		return "flushing"
	case StateCommitted:
		return "committed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RunError is a failed run. LastPartition and CursorMs describe the last
// committed checkpoint, from which a resumed run continues.
type RunError struct {
	Currency      string
	Kind          models.Kind
	State         State
	LastPartition string
	CursorMs      int64
	Err           error
}

func (e *RunError) Error() string {
	last := e.LastPartition
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("%s %s stopped while %s (last committed partition %s): %v", e.Currency, e.Kind, e.State, last, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// RunErrors extracts the run errors of a joined error.
func RunErrors(err error) []*RunError {
	var out []*RunError
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if re, ok := err.(*RunError); ok {
			out = append(out, re)
			return
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		walk(errors.Unwrap(err))
	}
	walk(err)
	return out
}
