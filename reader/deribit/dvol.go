package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"deribitflow/models"
)

// DVOLCursor selects candles with StartMs <= timestamp <= EndMs. Each page
// covers at most one configured window.
type DVOLCursor struct {
	Currency string
	StartMs  int64
	EndMs    int64
}

func (c DVOLCursor) String() string {
	return fmt.Sprintf("%s:%d-%d", c.Currency, c.StartMs, c.EndMs)
}

type dvolResult struct {
	Data         []json.RawMessage `json:"data"`
	Continuation *int64            `json:"continuation"`
}

// FetchDVOLPage fetches the candles of one window starting at cur.StartMs.
// next is nil once cur.EndMs has been passed.
func (c *Client) FetchDVOLPage(ctx context.Context, cur DVOLCursor) (*models.DVOLPage, *DVOLCursor, error) {
	windowEnd := cur.StartMs + c.window.Milliseconds() - 1
	if windowEnd > cur.EndMs {
		windowEnd = cur.EndMs
	}

	query := url.Values{}
	query.Set("currency", cur.Currency)
	query.Set("start_timestamp", strconv.FormatInt(cur.StartMs, 10))
	query.Set("end_timestamp", strconv.FormatInt(windowEnd, 10))
	query.Set("resolution", strconv.Itoa(c.resolution))

	var res dvolResult
	req := call{
		op:       "get_volatility_index_data",
		url:      c.dvolBaseURL + "/get_volatility_index_data",
		query:    query,
		currency: cur.Currency,
		kind:     models.KindDVOL,
		cursor:   cur.String(),
		decode: func(raw json.RawMessage) error {
			res = dvolResult{}
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			if res.Data == nil {
				return fmt.Errorf("result has no data array")
			}
			return nil
		},
	}
	if err := c.do(ctx, req); err != nil {
		return nil, nil, err
	}

	var last int64
	for _, row := range res.Data {
		if ts, ok := candleTimestamp(row); ok && ts > last {
			last = ts
		}
	}

	page := &models.DVOLPage{
		Currency:     cur.Currency,
		Cursor:       cur.String(),
		Rows:         res.Data,
		Continuation: res.Continuation,
	}

	next := cur
	step := (time.Duration(c.resolution) * time.Second).Milliseconds()
	next.StartMs = windowEnd + 1
	if last >= cur.StartMs && last+step <= windowEnd {
		next.StartMs = last + step
	}
	c.pageFetched(req, len(res.Data), map[string]any{
		"cursor":     cur.String(),
		"window_end": windowEnd,
	})
	if next.StartMs > cur.EndMs {
		return page, nil, nil
	}
	return page, &next, nil
}

func candleTimestamp(raw json.RawMessage) (int64, bool) {
	var row []json.Number
	if err := json.Unmarshal(raw, &row); err != nil || len(row) == 0 {
		return 0, false
	}
	ts, err := row[0].Int64()
	return ts, err == nil
}
