package processor

import (
	"sort"
	"strings"

	"deribitflow/models"
)

// CompareTradeIDs orders trade ids by their non-numeric prefix and then by
// the numeric value of their digit suffix, so "ETH-99" sorts before
// "ETH-100". Ids without a digit suffix fall back to plain string order.
func CompareTradeIDs(a, b string) int {
	if a == b {
		return 0
	}
	pa, na := splitTradeID(a)
	pb, nb := splitTradeID(b)
	if pa != pb {
		return strings.Compare(pa, pb)
	}
	if len(na) != len(nb) {
		if len(na) < len(nb) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(na, nb); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func splitTradeID(id string) (string, string) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	digits := strings.TrimLeft(id[i:], "0")
	return id[:i], digits
}

// CompareTrades orders trades by (timestamp, trade_id).
func CompareTrades(a, b models.OptionTrade) int {
	if a.Timestamp.Before(b.Timestamp) {
		return -1
	}
	if a.Timestamp.After(b.Timestamp) {
		return 1
	}
	return CompareTradeIDs(a.TradeID, b.TradeID)
}

// SortTrades sorts trades in place by (timestamp, trade_id). The sort is
// stable so equal keys keep arrival order.
func SortTrades(trades []models.OptionTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return CompareTrades(trades[i], trades[j]) < 0
	})
}

// StrictlyAscending reports the index of the first trade that is not
// strictly greater than its predecessor, or -1 when the slice is ordered.
func StrictlyAscending(trades []models.OptionTrade) int {
	for i := 1; i < len(trades); i++ {
		if CompareTrades(trades[i-1], trades[i]) >= 0 {
			return i
		}
	}
	return -1
}
