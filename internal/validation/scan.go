package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"deribitflow/internal/metadata"
	"deribitflow/models"
	"deribitflow/processor"
)

// FileStats summarises one trade partition after a single streaming read.
type FileStats struct {
	Path     string
	Date     string
	Rows     int64
	IVLow    int64
	IVHigh   int64
	Unsorted int64
	// first out of order pair
	UnsortedAt time.Time
	DupWithin  int64
	DupCross   int64
	// distinct ids that share a fingerprint with an earlier id
	Collisions int64
	// partitions sharing ids with this one
	CrossWith []string
	MinTs     time.Time
	MaxTs     time.Time
	Err       error
}

// DVOLStats summarises one currency's DVOL series.
type DVOLStats struct {
	Path     string
	Rows     int64
	Invalid  int64
	Examples []string
	Unsorted int64
	Gaps     int64
	MaxGap   time.Duration
	First    time.Time
	Last     time.Time
	Err      error
}

// Scan is everything the rules see for one currency.
type Scan struct {
	Currency  string
	Files     []FileStats
	DVOL      *DVOLStats
	Checksums []metadata.Verification
}

// Dates returns the partition dates of readable files, ascending.
func (s *Scan) Dates() []string {
	out := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f.Date)
	}
	return out
}

// TotalRows sums the rows of every file.
func (s *Scan) TotalRows() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.Rows
	}
	return n
}

// tradeScanner accumulates FileStats across the partitions of one
// currency. Trade ids are tracked as 64-bit fingerprints so memory stays
// at a few bytes per trade for catalogs of hundreds of millions of rows.
// A fingerprint seen twice is only a suspect until resolve has compared
// the real ids.
type tradeScanner struct {
	th    Thresholds
	hash  func(string) uint64
	owner map[uint64]int32
	files []FileStats
	hits  []fingerprintHit

	cur  int32
	prev models.OptionTrade
	has  bool
}

// fingerprintHit is a trade whose fingerprint an earlier trade already
// claimed.
type fingerprintHit struct {
	fp   uint64
	file int32
	id   string
}

func newTradeScanner(th Thresholds) *tradeScanner {
	return &tradeScanner{th: th, hash: xxhash.Sum64String, owner: make(map[uint64]int32)}
}

// begin starts a new partition.
func (s *tradeScanner) begin(path, date string) {
	s.files = append(s.files, FileStats{Path: path, Date: date})
	s.cur = int32(len(s.files) - 1)
	s.has = false
}

func (s *tradeScanner) observe(t models.OptionTrade) {
	f := &s.files[s.cur]
	f.Rows++
	if f.MinTs.IsZero() || t.Timestamp.Before(f.MinTs) {
		f.MinTs = t.Timestamp
	}
	if t.Timestamp.After(f.MaxTs) {
		f.MaxTs = t.Timestamp
	}

	if t.IV != nil {
		switch {
		case *t.IV < s.th.IVMin:
			f.IVLow++
		case *t.IV > s.th.IVMax:
			f.IVHigh++
		}
	}

	if s.has && processor.CompareTrades(s.prev, t) >= 0 {
		if f.Unsorted == 0 {
			f.UnsortedAt = t.Timestamp
		}
		f.Unsorted++
	}
	s.prev, s.has = t, true

	fp := s.hash(t.TradeID)
	if _, ok := s.owner[fp]; ok {
		s.hits = append(s.hits, fingerprintHit{fp: fp, file: s.cur, id: t.TradeID})
		return
	}
	s.owner[fp] = s.cur
}

// resolve confirms the fingerprint hits against real ids and counts the
// duplicates. reread replays the trades of one partition in file order;
// only partitions owning a hit fingerprint are replayed. A hit whose
// owner cannot be replayed is counted as a duplicate. The first reread
// error is returned after every hit has been counted.
func (s *tradeScanner) resolve(reread func(file int32, fn func(models.OptionTrade)) error) error {
	if len(s.hits) == 0 {
		return nil
	}
	first := make(map[uint64]string, len(s.hits))
	var owners []int32
	seen := make(map[int32]bool)
	for _, h := range s.hits {
		first[h.fp] = ""
		if o := s.owner[h.fp]; !seen[o] {
			seen[o] = true
			owners = append(owners, o)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	var rerr error
	for _, file := range owners {
		err := reread(file, func(t models.OptionTrade) {
			fp := s.hash(t.TradeID)
			if id, ok := first[fp]; ok && id == "" && s.owner[fp] == file {
				first[fp] = t.TradeID
			}
		})
		if err != nil && rerr == nil {
			rerr = fmt.Errorf("reread %s: %w", s.files[file].Path, err)
		}
	}

	// ids that collided with a different first id, by the partition that
	// holds their first occurrence
	collided := make(map[string]int32)
	for _, h := range s.hits {
		owner := s.owner[h.fp]
		if id := first[h.fp]; id != "" && id != h.id {
			o, ok := collided[h.id]
			if !ok {
				collided[h.id] = h.file
				s.files[h.file].Collisions++
				continue
			}
			owner = o
		}
		s.duplicate(h.file, owner)
	}
	s.hits = nil
	return rerr
}

func (s *tradeScanner) duplicate(file, owner int32) {
	f := &s.files[file]
	if owner == file {
		f.DupWithin++
		return
	}
	f.DupCross++
	other := s.files[owner].Date
	if len(f.CrossWith) < 5 && !contains(f.CrossWith, other) {
		f.CrossWith = append(f.CrossWith, other)
	}
}

// fail marks the current partition unreadable.
func (s *tradeScanner) fail(err error) {
	s.files[s.cur].Err = err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// scanCandles summarises a DVOL series.
func scanCandles(path string, candles []models.DVOLCandle, maxGap time.Duration) *DVOLStats {
	st := &DVOLStats{Path: path, Rows: int64(len(candles))}
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			st.Invalid++
			if len(st.Examples) < 5 {
				st.Examples = append(st.Examples, err.Error())
			}
		}
		if i == 0 {
			st.First = c.Timestamp
			st.Last = c.Timestamp
			continue
		}
		prev := candles[i-1].Timestamp
		if !c.Timestamp.After(prev) {
			st.Unsorted++
			continue
		}
		gap := c.Timestamp.Sub(prev)
		if gap > st.MaxGap {
			st.MaxGap = gap
		}
		if maxGap > 0 && gap > maxGap {
			st.Gaps++
		}
		if c.Timestamp.After(st.Last) {
			st.Last = c.Timestamp
		}
	}
	return st
}
