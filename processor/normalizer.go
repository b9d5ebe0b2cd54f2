package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"deribitflow/logger"
	"deribitflow/models"
)

// Reason is the dead-letter reason attached to a rejected record.
type Reason string

const (
	ReasonInvalidInstrument Reason = "invalid_instrument_format"
	ReasonFieldConstraint   Reason = "field_constraint_violation"
	ReasonMalformed         Reason = "malformed_record"
)

// NormalizationFailure is returned for any record that cannot become a
// domain record. It is never fatal to a run.
type NormalizationFailure struct {
	Reason Reason
	Err    error
}

func (f *NormalizationFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *NormalizationFailure) Unwrap() error { return f.Err }

func reject(reason Reason, format string, args ...any) error {
	return &NormalizationFailure{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf extracts the failure reason from err, or "" when err is not a
// NormalizationFailure.
func ReasonOf(err error) Reason {
	var nf *NormalizationFailure
	if errors.As(err, &nf) {
		return nf.Reason
	}
	return ""
}

var instrumentPattern = regexp.MustCompile(`^([A-Z]+)-(\d{1,2})([A-Z]{3})(\d{2})-(\d+)-([CP])$`)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// Instrument is the decomposition of an option instrument name.
type Instrument struct {
	Underlying models.Underlying
	Expiry     time.Time
	Strike     float64
	OptionType models.OptionType
}

// ParseInstrument decomposes names such as BTC-27DEC24-100000-C. Expiry
// is always 08:00 UTC on the expiry date.
func ParseInstrument(name string) (Instrument, error) {
	m := instrumentPattern.FindStringSubmatch(name)
	if m == nil {
		return Instrument{}, reject(ReasonInvalidInstrument, "instrument %q does not match UNDERLYING-DDMMMYY-STRIKE-C|P", name)
	}

	underlying := models.Underlying(m[1])
	if !underlying.Valid() {
		return Instrument{}, reject(ReasonInvalidInstrument, "unknown underlying %q", m[1])
	}

	day, _ := strconv.Atoi(m[2])
	month, ok := months[m[3]]
	if !ok {
		return Instrument{}, reject(ReasonInvalidInstrument, "unknown month %q", m[3])
	}
	year, _ := strconv.Atoi(m[4])
	expiry := time.Date(2000+year, month, day, 8, 0, 0, 0, time.UTC)
	if expiry.Day() != day || expiry.Month() != month {
		return Instrument{}, reject(ReasonInvalidInstrument, "invalid expiry date %s%s%s", m[2], m[3], m[4])
	}

	strike, err := strconv.ParseFloat(m[5], 64)
	if err != nil {
		return Instrument{}, reject(ReasonInvalidInstrument, "non-numeric strike %q", m[5])
	}

	optType := models.OptionCall
	if m[6] == "P" {
		optType = models.OptionPut
	}

	return Instrument{
		Underlying: underlying,
		Expiry:     expiry,
		Strike:     strike,
		OptionType: optType,
	}, nil
}

// NormalizeTrade converts one raw trade-history record into an
// OptionTrade. It is pure: the same input always yields the same output.
func NormalizeTrade(raw json.RawMessage) (models.OptionTrade, error) {
	var rt models.RawTrade
	if err := json.Unmarshal(raw, &rt); err != nil {
		return models.OptionTrade{}, reject(ReasonMalformed, "decode trade: %v", err)
	}

	inst, err := ParseInstrument(rt.InstrumentName)
	if err != nil {
		return models.OptionTrade{}, err
	}
	if err := checkDerived(rt, inst); err != nil {
		return models.OptionTrade{}, err
	}

	tradeID, ok := stringValue(rt.TradeID)
	if !ok || tradeID == "" {
		return models.OptionTrade{}, reject(ReasonMalformed, "missing trade_id")
	}

	tsMs, ok := intValue(rt.Timestamp)
	if !ok {
		return models.OptionTrade{}, reject(ReasonMalformed, "missing or non-integer timestamp")
	}
	if tsMs <= 0 {
		return models.OptionTrade{}, reject(ReasonFieldConstraint, "timestamp %d is not positive", tsMs)
	}

	price, ok := floatValue(rt.Price)
	if !ok {
		return models.OptionTrade{}, reject(ReasonMalformed, "missing or non-numeric price")
	}
	if price < 0 {
		return models.OptionTrade{}, reject(ReasonFieldConstraint, "negative price %v", price)
	}

	amount, ok := floatValue(rt.Amount)
	if !ok {
		return models.OptionTrade{}, reject(ReasonMalformed, "missing or non-numeric amount")
	}
	if amount <= 0 {
		return models.OptionTrade{}, reject(ReasonFieldConstraint, "amount %v must be positive", amount)
	}

	direction := models.Direction(strings.ToLower(rt.Direction))
	if direction != models.DirectionBuy && direction != models.DirectionSell {
		return models.OptionTrade{}, reject(ReasonFieldConstraint, "direction %q is neither buy nor sell", rt.Direction)
	}

	if inst.Strike <= 0 {
		return models.OptionTrade{}, reject(ReasonFieldConstraint, "strike %v must be positive", inst.Strike)
	}

	trade := models.OptionTrade{
		Timestamp:    time.UnixMilli(tsMs).UTC(),
		TradeID:      tradeID,
		InstrumentID: rt.InstrumentName,
		Underlying:   inst.Underlying,
		Strike:       inst.Strike,
		Expiry:       inst.Expiry,
		OptionType:   inst.OptionType,
		Price:        price,
		Amount:       amount,
		Direction:    direction,
	}

	// IV arrives in percentage points; zero, negative or garbage means
	// the venue did not report one.
	if iv, ok := floatValue(rt.IV); ok && iv > 0 {
		v := iv / 100
		trade.IV = &v
	}
	if ip, ok := floatValue(rt.IndexPrice); ok && ip > 0 {
		trade.IndexPrice = &ip
	}
	if mp, ok := floatValue(rt.MarkPrice); ok && mp >= 0 {
		trade.MarkPrice = &mp
	}

	return trade, nil
}

func checkDerived(rt models.RawTrade, inst Instrument) error {
	if rt.Underlying != "" && models.Underlying(strings.ToUpper(rt.Underlying)) != inst.Underlying {
		return reject(ReasonFieldConstraint, "underlying %q disagrees with instrument", rt.Underlying)
	}
	if strike, ok := floatValue(rt.Strike); ok && strike != inst.Strike {
		return reject(ReasonFieldConstraint, "strike %v disagrees with instrument", strike)
	}
	if rt.OptionType != "" {
		ot := strings.ToLower(rt.OptionType)
		if ot == "c" {
			ot = string(models.OptionCall)
		} else if ot == "p" {
			ot = string(models.OptionPut)
		}
		if models.OptionType(ot) != inst.OptionType {
			return reject(ReasonFieldConstraint, "option_type %q disagrees with instrument", rt.OptionType)
		}
	}
	return nil
}

// NormalizeCandle converts one raw [ts, open, high, low, close] row.
func NormalizeCandle(raw json.RawMessage) (models.DVOLCandle, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.DVOLCandle{}, reject(ReasonMalformed, "decode candle: %v", err)
	}
	if len(fields) != 5 {
		return models.DVOLCandle{}, reject(ReasonMalformed, "candle has %d fields, want 5", len(fields))
	}

	tsMs, ok := intValue(fields[0])
	if !ok || tsMs <= 0 {
		return models.DVOLCandle{}, reject(ReasonMalformed, "invalid candle timestamp %s", string(fields[0]))
	}

	var ohlc [4]float64
	for i := range ohlc {
		v, ok := floatValue(fields[i+1])
		if !ok {
			return models.DVOLCandle{}, reject(ReasonMalformed, "non-numeric candle value %s", string(fields[i+1]))
		}
		ohlc[i] = v
	}

	candle := models.DVOLCandle{
		Timestamp: time.UnixMilli(tsMs).UTC(),
		Open:      ohlc[0],
		High:      ohlc[1],
		Low:       ohlc[2],
		Close:     ohlc[3],
	}
	if err := candle.Validate(); err != nil {
		return models.DVOLCandle{}, reject(ReasonFieldConstraint, "%v", err)
	}
	return candle, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func floatValue(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Float64()
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func intValue(raw json.RawMessage) (int64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

func stringValue(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// Normalizer applies NormalizeTrade and NormalizeCandle and keeps per
// reason rejection counts for the run summary.
type Normalizer struct {
	log *logger.Log

	mu       sync.Mutex
	accepted int64
	rejected map[Reason]int64
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		log:      logger.GetLogger(),
		rejected: make(map[Reason]int64),
	}
}

// Trade normalizes one raw trade record.
func (n *Normalizer) Trade(raw json.RawMessage) (models.OptionTrade, error) {
	trade, err := NormalizeTrade(raw)
	n.observe(models.KindTrades, err)
	return trade, err
}

// Candle normalizes one raw DVOL row.
func (n *Normalizer) Candle(raw json.RawMessage) (models.DVOLCandle, error) {
	candle, err := NormalizeCandle(raw)
	n.observe(models.KindDVOL, err)
	return candle, err
}

func (n *Normalizer) observe(kind models.Kind, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		n.accepted++
		return
	}
	reason := ReasonOf(err)
	n.rejected[reason]++
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"kind":   kind,
		"reason": reason,
	}).WithError(err).Debug("record rejected")
}

// Stats returns the accepted count and a copy of the rejection counts.
func (n *Normalizer) Stats() (int64, map[Reason]int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[Reason]int64, len(n.rejected))
	for k, v := range n.rejected {
		out[k] = v
	}
	return n.accepted, out
}
