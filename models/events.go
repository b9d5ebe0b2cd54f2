package models

import (
	"encoding/json"
	"time"
)

// EventKind classifies an audit event.
type EventKind string

const (
	EventRunStart         EventKind = "run_start"
	EventPageFetched      EventKind = "page_fetched"
	EventPartitionFlushed EventKind = "partition_flushed"
	EventRetry            EventKind = "retry"
	EventError            EventKind = "error"
	EventResume           EventKind = "resume"
	EventRunEnd           EventKind = "run_end"
	EventValidationRun    EventKind = "validation_run"
	EventReconcileRun     EventKind = "reconcile_run"
	EventReset            EventKind = "reset"
)

// AuditEvent is one line of the append-only audit trail.
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	Kind      EventKind      `json:"kind"`
	Operation string         `json:"operation,omitempty"`
	Currency  string         `json:"currency,omitempty"`
	DataKind  Kind           `json:"data_kind,omitempty"`
	Partition string         `json:"partition,omitempty"`
	Rows      int64          `json:"rows,omitempty"`
	Pages     int64          `json:"pages,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// DeadLetterEntry preserves a raw record that failed normalization.
type DeadLetterEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Currency  string          `json:"currency"`
	Kind      Kind            `json:"kind"`
	Reason    string          `json:"reason"`
	Error     string          `json:"error"`
	Cursor    string          `json:"cursor,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}
