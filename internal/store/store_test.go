package store

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/candlestream/internal/models"
)

// epochClock pins "now" shortly after the unix epoch so small fixture
// timestamps are never aged out.
func epochClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func newTestStore(maxCandles int, nowSec int64) *CandleStore {
	s := New(Config{MaxCandles: maxCandles})
	s.SetClock(epochClock(nowSec))
	return s
}

func timestamps(candles []models.Candle) []int64 {
	out := make([]int64, len(candles))
	for i, c := range candles {
		out[i] = c.Timestamp
	}
	return out
}

func assertSeriesInvariants(t *testing.T, candles []models.Candle) {
	t.Helper()
	for i, c := range candles {
		assert.Zero(t, c.Timestamp%models.IntervalSeconds, "timestamp %d not aligned", c.Timestamp)
		if i > 0 {
			assert.Greater(t, c.Timestamp, candles[i-1].Timestamp, "series not strictly increasing at %d", i)
		}
		assert.GreaterOrEqual(t, c.High, math.Max(c.Open, c.Close))
		assert.LessOrEqual(t, c.Low, math.Min(c.Open, c.Close))
	}
}

func TestMergeEmptyStore(t *testing.T) {
	s := newTestStore(0, 1000)

	res := s.Merge(models.NewTrade(100, 10, 1))

	assert.Equal(t, MergeIgnoredEmpty, res)
	assert.False(t, res.Changed())
	assert.Zero(t, s.Len())
}

func TestMergeUpdatesLastCandle(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Seed([]models.Candle{{Timestamp: 60, Open: 10, Close: 10, High: 10, Low: 10}})

	res := s.Merge(models.NewTrade(120, 24, 2))

	require.Equal(t, MergeUpdated, res)
	last, ok := s.Last()
	require.True(t, ok)
	want := models.Candle{Timestamp: 60, Open: 10, Close: 12, High: 12, Low: 10, VolumeIn: 24, VolumeOut: 2}
	if diff := cmp.Diff(want, last); diff != "" {
		t.Errorf("last candle mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeWindow(t *testing.T) {
	testCases := []struct {
		name      string
		tradeTime int64
		want      MergeResult
	}{
		{name: "same bucket", tradeTime: 179, want: MergeUpdated},
		{name: "one interval ahead", tradeTime: 240, want: MergeUpdated},
		{name: "two intervals ahead", tradeTime: 299, want: MergeUpdated},
		{name: "three intervals ahead", tradeTime: 300, want: MergeIgnoredAhead},
		{name: "far ahead", tradeTime: 10_000, want: MergeIgnoredAhead},
		{name: "behind", tradeTime: 60, want: MergePruned},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(0, 1000)
			s.Seed([]models.Candle{{Timestamp: 120, Open: 5, Close: 5, High: 5, Low: 5}})
			before := s.Snapshot()

			got := s.Merge(models.NewTrade(tc.tradeTime, 7, 1))

			assert.Equal(t, tc.want, got)
			if got == MergeIgnoredAhead {
				assert.Equal(t, before, s.Snapshot())
			}
		})
	}
}

func TestMergeLateTradeKeepsRecentHistory(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Seed([]models.Candle{{Timestamp: 60}, {Timestamp: 120}, {Timestamp: 180}})

	res := s.Merge(models.NewTrade(10, 1, 1))

	assert.Equal(t, MergePruned, res)
	assert.Equal(t, []int64{60, 120, 180}, timestamps(s.Snapshot()))
}

func TestMergeLateTradeDropsOldCandles(t *testing.T) {
	s := newTestStore(0, 20_000)
	s.Seed([]models.Candle{{Timestamp: 0}, {Timestamp: 3600}, {Timestamp: 7200}, {Timestamp: 10_800}})

	// bucket 7200 keeps everything from 3600 on
	res := s.Merge(models.NewTrade(7230, 1, 1))

	assert.Equal(t, MergePruned, res)
	assert.Equal(t, []int64{3600, 7200, 10_800}, timestamps(s.Snapshot()))
}

func TestMergeEnforcesAgeBound(t *testing.T) {
	now := int64(200_000)
	last := models.Bucket(now)
	clock := now
	s := New(Config{})
	s.SetClock(func() time.Time { return time.Unix(clock, 0) })
	s.Seed([]models.Candle{{Timestamp: models.Bucket(now - 23*3600)}, {Timestamp: last}})
	require.Equal(t, 2, s.Len())

	// two hours on, the first candle is past the 24h window
	clock = now + 2*3600
	res := s.Merge(models.NewTrade(last+5, 10, 1))

	assert.Equal(t, MergeUpdated, res)
	assert.Equal(t, []int64{last}, timestamps(s.Snapshot()))
}

func TestMergeKeepsHighLowInvariant(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Seed([]models.Candle{{Timestamp: 60, Open: 10, Close: 10, High: 10, Low: 10}})

	prices := []float64{11, 9, 15, 3, 10, 10.5}
	for i, p := range prices {
		s.Merge(models.NewTrade(60+int64(i), p, 1))
		assertSeriesInvariants(t, s.Snapshot())
	}

	last, _ := s.Last()
	assert.Equal(t, 15.0, last.High)
	assert.Equal(t, 3.0, last.Low)
	assert.Equal(t, 10.5, last.Close)
	assert.InDelta(t, 58.5, last.VolumeIn, 1e-9)
	assert.Equal(t, float64(len(prices)), last.VolumeOut)
}

func TestUpsertInsertsInOrder(t *testing.T) {
	s := newTestStore(0, 1000)

	for _, ts := range []int64{180, 60, 300, 120, 240} {
		s.Upsert(models.Candle{Timestamp: ts, Open: 1, Close: 1, High: 1, Low: 1})
	}

	assert.Equal(t, []int64{60, 120, 180, 240, 300}, timestamps(s.Snapshot()))
	assertSeriesInvariants(t, s.Snapshot())
}

func TestUpsertReplacesAndNormalizes(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Upsert(models.Candle{Timestamp: 120, Close: 1})

	s.Upsert(models.Candle{Timestamp: 150, Close: 2})

	require.Equal(t, 1, s.Len())
	c, ok := s.Find(170)
	require.True(t, ok)
	assert.Equal(t, models.Candle{Timestamp: 120, Close: 2}, c)
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Seed([]models.Candle{{Timestamp: 60}, {Timestamp: 180}})
	c := models.Candle{Timestamp: 120, Open: 1, Close: 2, High: 3, Low: 0.5, VolumeIn: 4, VolumeOut: 5}

	s.Upsert(c)
	once := s.Snapshot()
	s.Upsert(c)

	if diff := cmp.Diff(once, s.Snapshot()); diff != "" {
		t.Errorf("second upsert changed the series (-once +twice):\n%s", diff)
	}
}

func TestUpsertBounds(t *testing.T) {
	t.Run("max candles drops oldest", func(t *testing.T) {
		s := newTestStore(3, 1000)
		for ts := int64(60); ts <= 300; ts += 60 {
			s.Upsert(models.Candle{Timestamp: ts})
		}
		assert.Equal(t, []int64{180, 240, 300}, timestamps(s.Snapshot()))
	})

	t.Run("age drops stale candles", func(t *testing.T) {
		now := int64(200_000)
		s := newTestStore(0, now)
		s.Upsert(models.Candle{Timestamp: now - 25*3600})
		s.Upsert(models.Candle{Timestamp: models.Bucket(now - 3600)})

		assert.Equal(t, []int64{models.Bucket(now - 3600)}, timestamps(s.Snapshot()))
	})

	t.Run("both bounds apply", func(t *testing.T) {
		now := int64(200_000)
		s := newTestStore(2, now)
		s.Seed([]models.Candle{{Timestamp: now - 30*3600}, {Timestamp: models.Bucket(now - 120)}})
		s.Upsert(models.Candle{Timestamp: models.Bucket(now - 60)})
		s.Upsert(models.Candle{Timestamp: models.Bucket(now)})

		assert.Equal(t, 2, s.Len())
		last, _ := s.Last()
		assert.Equal(t, models.Bucket(now), last.Timestamp)
	})
}

func TestSeedSortsAndDedupes(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Upsert(models.Candle{Timestamp: 900})

	s.Seed([]models.Candle{
		{Timestamp: 180, Close: 1},
		{Timestamp: 60, Close: 2},
		{Timestamp: 185, Close: 3},
	})

	got := s.Snapshot()
	assert.Equal(t, []int64{60, 180}, timestamps(got))
	assert.Equal(t, 3.0, got[1].Close)
}

func TestPrune(t *testing.T) {
	now := int64(100 * 3600)
	s := newTestStore(0, now)
	s.Seed([]models.Candle{
		{Timestamp: now - 30*3600},
		{Timestamp: now - 10*3600},
		{Timestamp: now - 2*3600},
		{Timestamp: now - 60},
	})
	require.Equal(t, 3, s.Len(), "seed applies the 24h bound")

	removed := s.Prune(5)

	assert.Equal(t, 1, removed)
	assert.Equal(t, []int64{now - 2*3600, now - 60}, timestamps(s.Snapshot()))
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Seed([]models.Candle{{Timestamp: 60, Close: 1}})

	snap := s.Snapshot()
	snap[0].Close = 99

	last, _ := s.Last()
	assert.Equal(t, 1.0, last.Close)
}

func TestClear(t *testing.T) {
	s := newTestStore(0, 1000)
	s.Seed([]models.Candle{{Timestamp: 60}})

	s.Clear()

	assert.Zero(t, s.Len())
	_, ok := s.Last()
	assert.False(t, ok)
	assert.Equal(t, MergeIgnoredEmpty, s.Merge(models.NewTrade(60, 1, 1)))
}
