package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go/parquet"

	"deribitflow/logger"
	"deribitflow/models"
	"deribitflow/processor"
)

// Options configures partition encoding.
type Options struct {
	Compression string
	ReadChunk   int
	// OnLoad, when set, receives the path and statistics of every
	// non-empty committed file a writer loads before appending to it.
	OnLoad func(FlushResult)
}

// FlushResult describes one durable flush.
type FlushResult struct {
	Partition    string
	Path         string
	RowsAdded    int
	TotalRows    int64
	MinTimestamp time.Time
	MaxTimestamp time.Time
	Written      bool
}

// TradeWriter accumulates normalized trades for one currency and writes
// them to daily partitions {catalog}/{CURRENCY}/trades/{YYYY-MM-DD}.parquet.
// Only one partition is open at a time; the caller flushes before the
// first trade of the next day is appended.
type TradeWriter struct {
	dir      string
	currency string
	codec    parquet.CompressionCodec
	chunk    int
	onLoad   func(FlushResult)
	log      *logger.Entry

	partition string
	buffer    []models.OptionTrade
	seen      map[string]struct{}
	// lastTs is the newest trade appended by this writer, not the newest
	// committed one; older committed rows are interleaved by Flush.
	lastTs time.Time

	duplicates int64
}

// NewTradeWriter returns a writer rooted at catalog for currency.
func NewTradeWriter(catalog, currency string, opts Options) (*TradeWriter, error) {
	codec, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	chunk := opts.ReadChunk
	if chunk <= 0 {
		chunk = defaultReadChunk
	}
	return &TradeWriter{
		dir:      TradesDir(catalog, currency),
		currency: currency,
		codec:    codec,
		chunk:    chunk,
		onLoad:   opts.OnLoad,
		log: logger.GetLogger().WithComponent("trade_writer").WithFields(logger.Fields{
			"currency": currency,
		}),
	}, nil
}

// TradesDir is the directory holding a currency's daily partitions.
func TradesDir(catalog, currency string) string {
	return filepath.Join(catalog, currency, "trades")
}

// TradePartitionPath is the file of one daily partition.
func TradePartitionPath(catalog, currency, date string) string {
	return filepath.Join(TradesDir(catalog, currency), date+".parquet")
}

// Partition returns the currently open partition, or "" before the first
// append.
func (w *TradeWriter) Partition() string { return w.partition }

// Pending returns the number of buffered, not yet durable, trades.
func (w *TradeWriter) Pending() int { return len(w.buffer) }

// Duplicates returns how many replayed trade ids were skipped.
func (w *TradeWriter) Duplicates() int64 { return w.duplicates }

// Boundary reports whether t belongs to a different partition than the
// one currently buffered, which means the caller must flush first.
func (w *TradeWriter) Boundary(t models.OptionTrade) bool {
	return len(w.buffer) > 0 && t.PartitionDate() != w.partition
}

// Append buffers t. It returns false when t is a replay of a trade id the
// partition already holds. A trade earlier than the previous append is a
// fatal OrderingViolation; committed rows do not constrain it.
func (w *TradeWriter) Append(t models.OptionTrade) (bool, error) {
	day := t.PartitionDate()
	if day != w.partition {
		if len(w.buffer) > 0 {
			return false, fmt.Errorf("partition %s has %d pending trades; flush before appending to %s", w.partition, len(w.buffer), day)
		}
		if w.partition != "" && day < w.partition {
			return false, &OrderingViolation{Partition: w.partition, Previous: w.lastTs, Got: t.Timestamp, ID: t.TradeID}
		}
		if err := w.open(day); err != nil {
			return false, err
		}
	}

	if _, ok := w.seen[t.TradeID]; ok {
		w.duplicates++
		return false, nil
	}
	if t.Timestamp.Before(w.lastTs) {
		return false, &OrderingViolation{Partition: w.partition, Previous: w.lastTs, Got: t.Timestamp, ID: t.TradeID}
	}

	w.buffer = append(w.buffer, t)
	w.seen[t.TradeID] = struct{}{}
	w.lastTs = t.Timestamp
	return true, nil
}

// open switches to day, loading the ids of an already committed partition
// so replays are recognised.
func (w *TradeWriter) open(day string) error {
	w.partition = day
	w.seen = make(map[string]struct{})
	w.lastTs = time.Time{}

	path := filepath.Join(w.dir, day+".parquet")
	loaded := FlushResult{Partition: day, Path: path}
	err := ReadTrades(path, w.chunk, func(rows []models.OptionTrade) error {
		for _, r := range rows {
			w.seen[r.TradeID] = struct{}{}
			if loaded.TotalRows == 0 || r.Timestamp.Before(loaded.MinTimestamp) {
				loaded.MinTimestamp = r.Timestamp
			}
			if r.Timestamp.After(loaded.MaxTimestamp) {
				loaded.MaxTimestamp = r.Timestamp
			}
			loaded.TotalRows++
		}
		return nil
	})
	if err != nil {
		return &WriteIOError{Path: path, Err: err}
	}
	if loaded.TotalRows > 0 {
		w.log.WithFields(logger.Fields{
			"partition": day,
			"rows":      loaded.TotalRows,
		}).Debug("opened committed partition")
		if w.onLoad != nil {
			w.onLoad(loaded)
		}
	}
	return nil
}

// Drop discards buffered trades without writing them. Their ids are
// forgotten so a replay can buffer them again.
func (w *TradeWriter) Drop() {
	for _, t := range w.buffer {
		delete(w.seen, t.TradeID)
	}
	w.buffer = nil
	w.partition = ""
	w.lastTs = time.Time{}
}

// Flush merges the buffer into the committed partition and publishes the
// result atomically. An empty buffer writes nothing.
func (w *TradeWriter) Flush() (FlushResult, error) {
	res := FlushResult{Partition: w.partition}
	if len(w.buffer) == 0 {
		return res, nil
	}

	start := time.Now()
	path := filepath.Join(w.dir, w.partition+".parquet")
	res.Path = path

	batch := w.buffer
	processor.SortTrades(batch)

	var total int64
	var minTs, maxTs time.Time
	track := func(t models.OptionTrade) {
		if total == 0 || t.Timestamp.Before(minTs) {
			minTs = t.Timestamp
		}
		if t.Timestamp.After(maxTs) {
			maxTs = t.Timestamp
		}
		total++
	}

	err := stageParquet(path, new(TradeRow), w.codec, func(put func(interface{}) error) error {
		i := 0
		err := ReadTrades(path, w.chunk, func(rows []models.OptionTrade) error {
			for _, r := range rows {
				for i < len(batch) && processor.CompareTrades(batch[i], r) < 0 {
					if err := put(toTradeRow(batch[i])); err != nil {
						return err
					}
					track(batch[i])
					i++
				}
				if err := put(toTradeRow(r)); err != nil {
					return err
				}
				track(r)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for ; i < len(batch); i++ {
			if err := put(toTradeRow(batch[i])); err != nil {
				return err
			}
			track(batch[i])
		}
		return nil
	})
	if err != nil {
		w.log.WithError(err).WithFields(logger.Fields{"partition": w.partition}).Error("flush failed; committed partition left unchanged")
		return res, err
	}

	res.RowsAdded = len(batch)
	res.TotalRows = total
	res.MinTimestamp = minTs
	res.MaxTimestamp = maxTs
	res.Written = true
	w.buffer = nil

	log := w.log.WithFields(logger.Fields{
		"partition":  res.Partition,
		"rows_added": res.RowsAdded,
		"total_rows": res.TotalRows,
	})
	log.Info("partition flushed")
	logger.LogDataFlowEntry(log, "deribit_trades", path, res.RowsAdded, "option_trades")
	logger.LogPerformanceEntry(log, "trade_writer", "flush", time.Since(start), nil)
	return res, nil
}

// LastCommitted returns the latest trade timestamp stored for currency,
// looking at the newest partition file. ok is false when no partition
// exists yet.
func LastCommitted(catalog, currency string, chunk int) (time.Time, bool, error) {
	dates, err := ListPartitions(catalog, currency)
	if err != nil || len(dates) == 0 {
		return time.Time{}, false, err
	}
	var last time.Time
	path := TradePartitionPath(catalog, currency, dates[len(dates)-1])
	err = ReadTrades(path, chunk, func(rows []models.OptionTrade) error {
		for _, r := range rows {
			if r.Timestamp.After(last) {
				last = r.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return last, !last.IsZero(), nil
}

// ListPartitions returns the sorted partition dates present for currency.
func ListPartitions(catalog, currency string) ([]string, error) {
	entries, err := os.ReadDir(TradesDir(catalog, currency))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".parquet" {
			continue
		}
		date := name[:len(name)-len(".parquet")]
		if _, err := time.Parse(models.DateLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	return dates, nil
}
