package writer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWriteIO marks a failed flush. The staged temp file is discarded
	// and the committed partition is left untouched.
	ErrWriteIO = errors.New("partition write failed")

	// ErrOrderingViolation marks an append that would break timestamp
	// order inside a partition.
	ErrOrderingViolation = errors.New("ordering violation")
)

// WriteIOError wraps the I/O failure behind a flush.
type WriteIOError struct {
	Path string
	Err  error
}

func (e *WriteIOError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteIOError) Unwrap() []error { return []error{ErrWriteIO, e.Err} }

// OrderingViolation describes the record that arrived out of order.
type OrderingViolation struct {
	Partition string
	Previous  time.Time
	Got       time.Time
	ID        string
}

func (e *OrderingViolation) Error() string {
	return fmt.Sprintf("partition %s: record %s at %s precedes %s",
		e.Partition, e.ID, e.Got.Format(time.RFC3339Nano), e.Previous.Format(time.RFC3339Nano))
}

func (e *OrderingViolation) Is(target error) bool { return target == ErrOrderingViolation }
