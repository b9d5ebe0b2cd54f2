package writer

import (
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go/parquet"

	"deribitflow/logger"
	"deribitflow/models"
)

// DVOLPath is the single series file of a currency.
func DVOLPath(catalog, currency string) string {
	return filepath.Join(catalog, currency, "dvol", "dvol.parquet")
}

// DVOLWriter accumulates candles and rewrites the whole series file on
// every flush.
type DVOLWriter struct {
	path     string
	currency string
	codec    parquet.CompressionCodec
	onLoad   func(FlushResult)
	log      *logger.Entry

	loaded    bool
	committed map[int64]struct{}
	// newest candle appended by this writer
	lastTs time.Time
	buffer []models.DVOLCandle

	replays int64
}

// NewDVOLWriter returns a writer for currency's DVOL series under catalog.
func NewDVOLWriter(catalog, currency string, opts Options) (*DVOLWriter, error) {
	codec, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &DVOLWriter{
		path:     DVOLPath(catalog, currency),
		currency: currency,
		codec:    codec,
		onLoad:   opts.OnLoad,
		log: logger.GetLogger().WithComponent("dvol_writer").WithFields(logger.Fields{
			"currency": currency,
		}),
	}, nil
}

// Path returns the series file path.
func (w *DVOLWriter) Path() string { return w.path }

// Pending returns the number of buffered candles.
func (w *DVOLWriter) Pending() int { return len(w.buffer) }

// Replays returns how many already committed candles were skipped.
func (w *DVOLWriter) Replays() int64 { return w.replays }

func (w *DVOLWriter) load() error {
	if w.loaded {
		return nil
	}
	candles, err := ReadCandles(w.path)
	if err != nil {
		return &WriteIOError{Path: w.path, Err: err}
	}
	w.committed = make(map[int64]struct{}, len(candles))
	loaded := FlushResult{Partition: "dvol", Path: w.path, TotalRows: int64(len(candles))}
	for _, c := range candles {
		w.committed[c.Timestamp.UnixMicro()] = struct{}{}
		if loaded.MinTimestamp.IsZero() || c.Timestamp.Before(loaded.MinTimestamp) {
			loaded.MinTimestamp = c.Timestamp
		}
		if c.Timestamp.After(loaded.MaxTimestamp) {
			loaded.MaxTimestamp = c.Timestamp
		}
	}
	w.loaded = true
	if len(candles) > 0 && w.onLoad != nil {
		w.onLoad(loaded)
	}
	return nil
}

// Append buffers c. A candle whose timestamp is already committed or
// buffered is a replay and returns false. A timestamp not after the
// previous append is an OrderingViolation; committed candles may be older
// or newer and are merged on Flush.
func (w *DVOLWriter) Append(c models.DVOLCandle) (bool, error) {
	if err := w.load(); err != nil {
		return false, err
	}
	key := c.Timestamp.UnixMicro()
	if _, ok := w.committed[key]; ok {
		w.replays++
		return false, nil
	}
	if n := len(w.buffer); n > 0 && w.buffer[n-1].Timestamp.Equal(c.Timestamp) {
		w.replays++
		return false, nil
	}
	if !c.Timestamp.After(w.lastTs) {
		return false, &OrderingViolation{Partition: "dvol", Previous: w.lastTs, Got: c.Timestamp, ID: c.Timestamp.Format(time.RFC3339)}
	}
	w.buffer = append(w.buffer, c)
	w.lastTs = c.Timestamp
	return true, nil
}

// Drop discards buffered candles.
func (w *DVOLWriter) Drop() {
	w.buffer = nil
	w.loaded = false
	w.committed = nil
	w.lastTs = time.Time{}
}

// Flush rewrites the series with the buffered candles merged in by
// timestamp.
func (w *DVOLWriter) Flush() (FlushResult, error) {
	res := FlushResult{Partition: "dvol", Path: w.path}
	if len(w.buffer) == 0 {
		return res, nil
	}
	start := time.Now()

	existing, err := ReadCandles(w.path)
	if err != nil {
		return res, &WriteIOError{Path: w.path, Err: err}
	}

	var minTs, maxTs time.Time
	err = stageParquet(w.path, new(CandleRow), w.codec, func(put func(interface{}) error) error {
		for _, c := range mergeCandles(existing, w.buffer) {
			if err := put(toCandleRow(c)); err != nil {
				return err
			}
			if minTs.IsZero() || c.Timestamp.Before(minTs) {
				minTs = c.Timestamp
			}
			if c.Timestamp.After(maxTs) {
				maxTs = c.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		w.log.WithError(err).Error("dvol flush failed; committed series left unchanged")
		return res, err
	}

	for _, c := range w.buffer {
		w.committed[c.Timestamp.UnixMicro()] = struct{}{}
	}
	res.RowsAdded = len(w.buffer)
	res.TotalRows = int64(len(existing) + len(w.buffer))
	res.MinTimestamp = minTs
	res.MaxTimestamp = maxTs
	res.Written = true
	w.buffer = nil

	log := w.log.WithFields(logger.Fields{
		"rows_added": res.RowsAdded,
		"total_rows": res.TotalRows,
	})
	log.Info("dvol series flushed")
	logger.LogDataFlowEntry(log, "deribit_dvol", w.path, res.RowsAdded, "dvol_candles")
	logger.LogPerformanceEntry(log, "dvol_writer", "flush", time.Since(start), nil)
	return res, nil
}

// mergeCandles interleaves two ascending series. On equal timestamps the
// committed candle wins.
func mergeCandles(committed, added []models.DVOLCandle) []models.DVOLCandle {
	out := make([]models.DVOLCandle, 0, len(committed)+len(added))
	i, j := 0, 0
	for i < len(committed) || j < len(added) {
		switch {
		case j == len(added):
			out = append(out, committed[i])
			i++
		case i == len(committed):
			out = append(out, added[j])
			j++
		case added[j].Timestamp.Before(committed[i].Timestamp):
			out = append(out, added[j])
			j++
		case added[j].Timestamp.Equal(committed[i].Timestamp):
			out = append(out, committed[i])
			i++
			j++
		default:
			out = append(out, committed[i])
			i++
		}
	}
	return out
}
