package models

import (
	"fmt"
	"math"
	"time"
)

// DVOLCandle is one hourly bar of the Deribit volatility index.
type DVOLCandle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
}

// Validate checks that every price is positive and finite and that
// low <= min(open, close) <= max(open, close) <= high.
func (c DVOLCandle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("candle %s has non-positive or non-finite value %v", c.Timestamp.UTC().Format(time.RFC3339), v)
		}
	}
	lo := math.Min(c.Open, c.Close)
	hi := math.Max(c.Open, c.Close)
	if c.Low > lo || hi > c.High {
		return fmt.Errorf("candle %s violates low<=open,close<=high (o=%v h=%v l=%v c=%v)",
			c.Timestamp.UTC().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
	}
	return nil
}
