// Package store keeps the bounded, time-ordered candle series of one symbol.
//
// CandleStore does no I/O and carries no lock. The owner serializes access.
package store

import (
	"sort"
	"time"

	"github.com/navid-fn/candlestream/internal/models"
)

const (
	DefaultMaxCandles = 1000
	DefaultMaxAge     = 24 * time.Hour

	// MergeWindowSeconds is how far past the last candle a trade may land
	// and still be folded into it.
	MergeWindowSeconds int64 = 2 * models.IntervalSeconds

	// PruneLookbackSeconds bounds how much history a late trade keeps.
	PruneLookbackSeconds int64 = 3600
)

// MergeResult tells the caller what Merge did with a trade.
type MergeResult int

const (
	// MergeIgnoredEmpty means the series had no candle to fold into.
	MergeIgnoredEmpty MergeResult = iota
	// MergeUpdated means the last candle absorbed the trade.
	MergeUpdated
	// MergePruned means a late trade trimmed old candles.
	MergePruned
	// MergeIgnoredAhead means the trade was too far past the last candle.
	MergeIgnoredAhead
)

func (r MergeResult) String() string {
	switch r {
	case MergeIgnoredEmpty:
		return "ignored_empty"
	case MergeUpdated:
		return "updated"
	case MergePruned:
		return "pruned"
	case MergeIgnoredAhead:
		return "ignored_ahead"
	default:
		return "unknown"
	}
}

// Changed reports whether the series may differ after the merge.
func (r MergeResult) Changed() bool {
	return r == MergeUpdated || r == MergePruned
}

// Config bounds the series.
type Config struct {
	// MaxCandles caps the series length. Oldest candles go first.
	MaxCandles int

	// MaxAge drops candles older than now - MaxAge on every upsert or merge.
	MaxAge time.Duration
}

// CandleStore is an ordered candle series with strictly increasing timestamps.
type CandleStore struct {
	cfg     Config
	candles []models.Candle
	now     func() time.Time
}

// New creates an empty store. Zero config fields fall back to defaults.
func New(cfg Config) *CandleStore {
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = DefaultMaxCandles
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &CandleStore{cfg: cfg, now: time.Now}
}

// SetClock replaces the wall clock used for age-based trimming.
func (s *CandleStore) SetClock(now func() time.Time) {
	s.now = now
}

// Merge folds a trade into the series. A trade up to two intervals past the
// last candle lands in that candle rather than opening a new bucket, so a
// sparse stream can produce a candle spanning more than one interval. The
// poll path creates the skipped buckets. A merge that changes the series also
// enforces the length and age bounds.
func (s *CandleStore) Merge(t models.Trade) MergeResult {
	if len(s.candles) == 0 {
		return MergeIgnoredEmpty
	}

	bucket := models.Bucket(t.TradeTime)
	last := &s.candles[len(s.candles)-1]
	diff := bucket - last.Timestamp

	switch {
	case diff < 0:
		s.dropBefore(bucket - PruneLookbackSeconds)
		s.enforceBounds()
		return MergePruned
	case diff <= MergeWindowSeconds:
		last.Apply(t)
		s.enforceBounds()
		return MergeUpdated
	default:
		return MergeIgnoredAhead
	}
}

// Upsert replaces the candle with the same bucket or inserts it in order,
// then enforces the length and age bounds.
func (s *CandleStore) Upsert(c models.Candle) {
	c.Timestamp = models.Bucket(c.Timestamp)

	i := s.search(c.Timestamp)
	if i < len(s.candles) && s.candles[i].Timestamp == c.Timestamp {
		s.candles[i] = c
	} else {
		s.candles = append(s.candles, models.Candle{})
		copy(s.candles[i+1:], s.candles[i:])
		s.candles[i] = c
	}

	s.enforceBounds()
}

// Seed replaces the whole series. Input order does not matter; for duplicate
// buckets the later entry wins.
func (s *CandleStore) Seed(candles []models.Candle) {
	byTs := make(map[int64]models.Candle, len(candles))
	for _, c := range candles {
		c.Timestamp = models.Bucket(c.Timestamp)
		byTs[c.Timestamp] = c
	}

	series := make([]models.Candle, 0, len(byTs))
	for _, c := range byTs {
		series = append(series, c)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Timestamp < series[j].Timestamp })

	s.candles = series
	s.enforceBounds()
}

// Prune drops candles older than now - maxAgeHours. It returns how many were removed.
func (s *CandleStore) Prune(maxAgeHours int) int {
	before := len(s.candles)
	cutoff := s.now().Add(-time.Duration(maxAgeHours) * time.Hour).Unix()
	s.dropBefore(cutoff)
	return before - len(s.candles)
}

func (s *CandleStore) Clear() {
	s.candles = nil
}

// Snapshot returns a copy of the series.
func (s *CandleStore) Snapshot() []models.Candle {
	out := make([]models.Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

func (s *CandleStore) Last() (models.Candle, bool) {
	if len(s.candles) == 0 {
		return models.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Find looks up the candle of the bucket containing ts.
func (s *CandleStore) Find(ts int64) (models.Candle, bool) {
	ts = models.Bucket(ts)
	i := s.search(ts)
	if i < len(s.candles) && s.candles[i].Timestamp == ts {
		return s.candles[i], true
	}
	return models.Candle{}, false
}

func (s *CandleStore) Len() int {
	return len(s.candles)
}

func (s *CandleStore) search(ts int64) int {
	return sort.Search(len(s.candles), func(i int) bool { return s.candles[i].Timestamp >= ts })
}

// dropBefore removes every candle with Timestamp < cutoff.
func (s *CandleStore) dropBefore(cutoff int64) {
	i := s.search(cutoff)
	if i == 0 {
		return
	}
	s.candles = append(s.candles[:0], s.candles[i:]...)
}

func (s *CandleStore) enforceBounds() {
	if over := len(s.candles) - s.cfg.MaxCandles; over > 0 {
		s.candles = append(s.candles[:0], s.candles[over:]...)
	}
	s.dropBefore(s.now().Add(-s.cfg.MaxAge).Unix())
}
