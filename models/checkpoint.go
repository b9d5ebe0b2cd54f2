package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind names one of the two record series the engine ingests.
type Kind string

const (
	KindTrades Kind = "trades"
	KindDVOL   Kind = "dvol"
)

// ParseKind converts a user supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindTrades:
		return KindTrades, nil
	case KindDVOL:
		return KindDVOL, nil
	}
	return "", fmt.Errorf("unknown data kind %q", s)
}

// Checkpoint is the durable resume state of one (currency, kind) pair.
// Partition is the last committed partition key: a YYYY-MM-DD date for
// trades, the constant "dvol" for the volatility series. CursorMs is the
// timestamp of the last committed record; a resumed run re-enters the
// fetch loop from there.
type Checkpoint struct {
	Currency      string    `json:"currency"`
	Kind          Kind      `json:"kind"`
	Partition     string    `json:"partition"`
	CursorMs      int64     `json:"cursor_ms"`
	StartMs       int64     `json:"start_ms"`
	EndMs         int64     `json:"end_ms"`
	PagesFetched  int64     `json:"pages_fetched"`
	RowsCommitted int64     `json:"rows_committed"`
	FilesWritten  int64     `json:"files_written"`
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Completed     bool      `json:"completed"`
}

// Cursor returns the committed cursor as a UTC time.
func (c *Checkpoint) Cursor() time.Time {
	return time.UnixMilli(c.CursorMs).UTC()
}
