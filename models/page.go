package models

import (
	"encoding/json"
)

// Page is one decoded upstream response. It is either a *TradePage or a
// *DVOLPage; consumers switch on the concrete type.
type Page interface {
	Kind() Kind
	Len() int
	isPage()
}

// TradePage holds the raw trade records of one trade-history response.
// Records stay undecoded so that failures can be dead-lettered verbatim.
type TradePage struct {
	Currency string
	Cursor   string
	Trades   []json.RawMessage
	HasMore  bool
}

func (p *TradePage) Kind() Kind { return KindTrades }
func (p *TradePage) Len() int   { return len(p.Trades) }
func (*TradePage) isPage()      {}

// DVOLPage holds raw [ts, open, high, low, close] rows of one volatility
// index response.
type DVOLPage struct {
	Currency     string
	Cursor       string
	Rows         []json.RawMessage
	Continuation *int64
}

func (p *DVOLPage) Kind() Kind { return KindDVOL }
func (p *DVOLPage) Len() int   { return len(p.Rows) }
func (*DVOLPage) isPage()      {}

// RawTrade mirrors the fields consumed from one trade-history record.
// Numeric fields are kept raw because the upstream occasionally sends
// strings or nulls where numbers are expected.
type RawTrade struct {
	TradeID        json.RawMessage `json:"trade_id"`
	Timestamp      json.RawMessage `json:"timestamp"`
	InstrumentName string          `json:"instrument_name"`
	Price          json.RawMessage `json:"price"`
	IV             json.RawMessage `json:"iv"`
	Amount         json.RawMessage `json:"amount"`
	Direction      string          `json:"direction"`
	IndexPrice     json.RawMessage `json:"index_price"`
	MarkPrice      json.RawMessage `json:"mark_price"`

	// Derived copies some feeds attach; when present they must agree with
	// the instrument name.
	Underlying string          `json:"underlying,omitempty"`
	Strike     json.RawMessage `json:"strike,omitempty"`
	OptionType string          `json:"option_type,omitempty"`
}
