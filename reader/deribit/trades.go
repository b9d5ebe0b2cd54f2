package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"deribitflow/logger"
	"deribitflow/models"
)

// TradeCursor selects trades with StartMs <= timestamp <= EndMs.
type TradeCursor struct {
	Currency string
	StartMs  int64
	EndMs    int64
}

func (c TradeCursor) String() string {
	return fmt.Sprintf("%s:%d-%d", c.Currency, c.StartMs, c.EndMs)
}

type tradesResult struct {
	Trades  []json.RawMessage `json:"trades"`
	HasMore bool              `json:"has_more"`
}

// FetchTradePage fetches one ascending page of option trades. next is nil
// once the window is exhausted. The next cursor starts at the last
// timestamp of the page, inclusive, so trades sharing that millisecond are
// fetched again and must be deduplicated by trade id downstream.
func (c *Client) FetchTradePage(ctx context.Context, cur TradeCursor) (*models.TradePage, *TradeCursor, error) {
	query := url.Values{}
	query.Set("currency", cur.Currency)
	query.Set("kind", "option")
	query.Set("count", strconv.Itoa(c.pageSize))
	query.Set("include_old", "true")
	query.Set("sorting", "asc")
	query.Set("start_timestamp", strconv.FormatInt(cur.StartMs, 10))
	query.Set("end_timestamp", strconv.FormatInt(cur.EndMs, 10))

	var res tradesResult
	req := call{
		op:       "get_last_trades_by_currency",
		url:      c.baseURL + "/get_last_trades_by_currency",
		query:    query,
		currency: cur.Currency,
		kind:     models.KindTrades,
		cursor:   cur.String(),
		decode: func(raw json.RawMessage) error {
			res = tradesResult{}
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			if res.Trades == nil {
				return fmt.Errorf("result has no trades array")
			}
			return nil
		},
	}
	if err := c.do(ctx, req); err != nil {
		return nil, nil, err
	}

	page := &models.TradePage{
		Currency: cur.Currency,
		Cursor:   cur.String(),
		Trades:   res.Trades,
		HasMore:  res.HasMore,
	}
	next := c.nextTradeCursor(cur, res)
	c.pageFetched(req, len(res.Trades), map[string]any{
		"cursor":   cur.String(),
		"has_more": res.HasMore,
	})
	return page, next, nil
}

func (c *Client) nextTradeCursor(cur TradeCursor, res tradesResult) *TradeCursor {
	if !res.HasMore || len(res.Trades) == 0 {
		return nil
	}
	var last int64
	for _, raw := range res.Trades {
		if ts, ok := tradeTimestamp(raw); ok && ts > last {
			last = ts
		}
	}
	next := cur
	if last > cur.StartMs {
		next.StartMs = last
	} else {
		next.StartMs = cur.StartMs + 1
		c.log.WithComponent("deribit_reader").WithFields(logger.Fields{
			"currency": cur.Currency,
			"start_ms": cur.StartMs,
			"trades":   len(res.Trades),
		}).Warn("page did not advance the cursor; skipping one millisecond")
	}
	if next.StartMs > cur.EndMs {
		return nil
	}
	return &next
}

func tradeTimestamp(raw json.RawMessage) (int64, bool) {
	var rec struct {
		Timestamp json.Number `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, false
	}
	ts, err := rec.Timestamp.Int64()
	return ts, err == nil
}

// CountTrades counts the distinct trades the API reports in [from, to].
func (c *Client) CountTrades(ctx context.Context, currency string, from, to time.Time) (int64, error) {
	cur := &TradeCursor{Currency: currency, StartMs: from.UnixMilli(), EndMs: to.UnixMilli()}
	seen := make(map[string]struct{})
	for cur != nil {
		page, next, err := c.FetchTradePage(ctx, *cur)
		if err != nil {
			return int64(len(seen)), err
		}
		for _, raw := range page.Trades {
			var rec struct {
				TradeID json.RawMessage `json:"trade_id"`
			}
			if json.Unmarshal(raw, &rec) != nil || len(rec.TradeID) == 0 {
				continue
			}
			seen[string(rec.TradeID)] = struct{}{}
		}
		cur = next
	}
	return int64(len(seen)), nil
}
