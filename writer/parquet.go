package writer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"deribitflow/internal/atomicfile"
	"deribitflow/models"
)

const (
	schemaVersion    = "1"
	producer         = "deribitflow"
	defaultReadChunk = 10000
)

// TradeRow is the on-disk layout of one option trade.
type TradeRow struct {
	Timestamp    int64    `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	TradeID      string   `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID string   `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Underlying   string   `parquet:"name=underlying, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike       float64  `parquet:"name=strike, type=DOUBLE"`
	Expiry       int64    `parquet:"name=expiry, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	OptionType   string   `parquet:"name=option_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64  `parquet:"name=price, type=DOUBLE"`
	IV           *float64 `parquet:"name=iv, type=DOUBLE, repetitiontype=OPTIONAL"`
	Amount       float64  `parquet:"name=amount, type=DOUBLE"`
	Direction    string   `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	IndexPrice   *float64 `parquet:"name=index_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	MarkPrice    *float64 `parquet:"name=mark_price, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// CandleRow is the on-disk layout of one DVOL candle.
type CandleRow struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
}

func toTradeRow(t models.OptionTrade) TradeRow {
	return TradeRow{
		Timestamp:    t.Timestamp.UnixMicro(),
		TradeID:      t.TradeID,
		InstrumentID: t.InstrumentID,
		Underlying:   string(t.Underlying),
		Strike:       t.Strike,
		Expiry:       t.Expiry.UnixMicro(),
		OptionType:   string(t.OptionType),
		Price:        t.Price,
		IV:           t.IV,
		Amount:       t.Amount,
		Direction:    string(t.Direction),
		IndexPrice:   t.IndexPrice,
		MarkPrice:    t.MarkPrice,
	}
}

func fromTradeRow(r TradeRow) models.OptionTrade {
	return models.OptionTrade{
		Timestamp:    time.UnixMicro(r.Timestamp).UTC(),
		TradeID:      r.TradeID,
		InstrumentID: r.InstrumentID,
		Underlying:   models.Underlying(r.Underlying),
		Strike:       r.Strike,
		Expiry:       time.UnixMicro(r.Expiry).UTC(),
		OptionType:   models.OptionType(r.OptionType),
		Price:        r.Price,
		IV:           r.IV,
		Amount:       r.Amount,
		Direction:    models.Direction(r.Direction),
		IndexPrice:   r.IndexPrice,
		MarkPrice:    r.MarkPrice,
	}
}

func toCandleRow(c models.DVOLCandle) CandleRow {
	return CandleRow{
		Timestamp: c.Timestamp.UnixMicro(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
	}
}

func fromCandleRow(r CandleRow) models.DVOLCandle {
	return models.DVOLCandle{
		Timestamp: time.UnixMicro(r.Timestamp).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
	}
}

// ParseCompression maps a configured codec name onto a parquet codec.
func ParseCompression(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "zstd", "":
		return parquet.CompressionCodec_ZSTD, nil
	case "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "lz4":
		return parquet.CompressionCodec_LZ4, nil
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	}
	return parquet.CompressionCodec_UNCOMPRESSED, fmt.Errorf("unsupported compression %q", name)
}

// fileTarget implements source.ParquetFile on top of a staged temp file.
// Closing is left to the stage so the bytes can be fsynced first.
type fileTarget struct {
	f *os.File
}

func (t *fileTarget) Create(name string) (source.ParquetFile, error) { return t, nil }

func (t *fileTarget) Open(name string) (source.ParquetFile, error) { return t, nil }

func (t *fileTarget) Seek(offset int64, whence int) (int64, error) {
	return t.f.Seek(offset, whence)
}

func (t *fileTarget) Read(b []byte) (int, error) { return t.f.Read(b) }

func (t *fileTarget) Write(b []byte) (int, error) { return t.f.Write(b) }

func (t *fileTarget) Close() error { return nil }

// stageParquet encodes rows produced by fill into a staged copy of target
// and commits it. Nothing is visible at target unless every step succeeds.
func stageParquet(target string, schema interface{}, codec parquet.CompressionCodec, fill func(put func(interface{}) error) error) error {
	st, err := atomicfile.Stage(target)
	if err != nil {
		return &WriteIOError{Path: target, Err: err}
	}

	pw, err := writer.NewParquetWriter(&fileTarget{f: st.File()}, schema, 4)
	if err != nil {
		st.Discard()
		return &WriteIOError{Path: target, Err: fmt.Errorf("create parquet writer: %w", err)}
	}
	pw.CompressionType = codec
	version, prod := schemaVersion, producer
	pw.Footer.KeyValueMetadata = append(pw.Footer.KeyValueMetadata,
		&parquet.KeyValue{Key: "schema_version", Value: &version},
		&parquet.KeyValue{Key: "producer", Value: &prod},
	)

	if err := fill(pw.Write); err != nil {
		pw.WriteStop()
		st.Discard()
		var ov *OrderingViolation
		if errors.As(err, &ov) {
			return err
		}
		return &WriteIOError{Path: target, Err: err}
	}
	if err := pw.WriteStop(); err != nil {
		st.Discard()
		return &WriteIOError{Path: target, Err: fmt.Errorf("finalize parquet: %w", err)}
	}
	if err := st.Commit(); err != nil {
		return &WriteIOError{Path: target, Err: err}
	}
	return nil
}

// ReadTrades streams a committed trade partition in chunks of at most
// chunk rows. A missing file yields no rows and no error.
func ReadTrades(path string, chunk int, fn func([]models.OptionTrade) error) error {
	if chunk <= 0 {
		chunk = defaultReadChunk
	}
	return readRows(path, new(TradeRow), chunk, func(pr *reader.ParquetReader, n int) error {
		rows := make([]TradeRow, n)
		if err := pr.Read(&rows); err != nil {
			return err
		}
		out := make([]models.OptionTrade, len(rows))
		for i, r := range rows {
			out[i] = fromTradeRow(r)
		}
		return fn(out)
	})
}

// ReadCandles loads a committed DVOL series. A missing file yields no
// candles and no error.
func ReadCandles(path string) ([]models.DVOLCandle, error) {
	var out []models.DVOLCandle
	err := readRows(path, new(CandleRow), defaultReadChunk, func(pr *reader.ParquetReader, n int) error {
		rows := make([]CandleRow, n)
		if err := pr.Read(&rows); err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, fromCandleRow(r))
		}
		return nil
	})
	return out, err
}

// CountRows returns the row count recorded in a parquet footer.
func CountRows(path string, schema interface{}) (int64, error) {
	pf, err := local.NewLocalFileReader(path)
	if err != nil {
		return 0, err
	}
	defer pf.Close()
	pr, err := reader.NewParquetReader(pf, schema, 1)
	if err != nil {
		return 0, fmt.Errorf("open parquet %s: %w", path, err)
	}
	defer pr.ReadStop()
	return pr.GetNumRows(), nil
}

func readRows(path string, schema interface{}, chunk int, next func(pr *reader.ParquetReader, n int) error) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	pf, err := local.NewLocalFileReader(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer pf.Close()

	pr, err := reader.NewParquetReader(pf, schema, 4)
	if err != nil {
		return fmt.Errorf("open parquet %s: %w", path, err)
	}
	defer pr.ReadStop()

	remaining := int(pr.GetNumRows())
	for remaining > 0 {
		n := chunk
		if remaining < n {
			n = remaining
		}
		if err := next(pr, n); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		remaining -= n
	}
	return nil
}
