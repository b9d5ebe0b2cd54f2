package models

import (
	"time"
)

// Underlying is the settlement currency an option is written on.
type Underlying string

const (
	UnderlyingBTC  Underlying = "BTC"
	UnderlyingETH  Underlying = "ETH"
	UnderlyingSOL  Underlying = "SOL"
	UnderlyingUSDC Underlying = "USDC"
)

// Valid reports whether u is one of the supported underlyings.
func (u Underlying) Valid() bool {
	switch u {
	case UnderlyingBTC, UnderlyingETH, UnderlyingSOL, UnderlyingUSDC:
		return true
	}
	return false
}

// OptionType is either a call or a put.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Direction is the taker side of a trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// OptionTrade is one executed option trade after normalization.
type OptionTrade struct {
	Timestamp    time.Time  `json:"timestamp"`
	TradeID      string     `json:"trade_id"`
	InstrumentID string     `json:"instrument_id"`
	Underlying   Underlying `json:"underlying"`
	Strike       float64    `json:"strike"`
	Expiry       time.Time  `json:"expiry"`
	OptionType   OptionType `json:"option_type"`
	Price        float64    `json:"price"`
	IV           *float64   `json:"iv,omitempty"`
	Amount       float64    `json:"amount"`
	Direction    Direction  `json:"direction"`
	IndexPrice   *float64   `json:"index_price,omitempty"`
	MarkPrice    *float64   `json:"mark_price,omitempty"`
}

// PartitionDate returns the UTC calendar day the trade belongs to.
func (t OptionTrade) PartitionDate() string {
	return t.Timestamp.UTC().Format(DateLayout)
}

// DateLayout is the partition key layout for daily trade files.
const DateLayout = "2006-01-02"
