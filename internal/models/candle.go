// Package models holds the candle and trade records shared by the codec,
// the candle store and the aggregator.
package models

import "math"

// IntervalSeconds is the width of one candle bucket.
const IntervalSeconds int64 = 60

// Candle is one OHLCV record of the series.
type Candle struct {
	// Timestamp is the bucket start in unix seconds, always a multiple of IntervalSeconds.
	Timestamp int64 `json:"timestamp"`

	// Open is the first traded price of the bucket.
	Open float64 `json:"open"`

	// Close is the latest traded price of the bucket.
	Close float64 `json:"close"`

	// High is the highest traded price of the bucket.
	High float64 `json:"high"`

	// Low is the lowest traded price of the bucket.
	Low float64 `json:"low"`

	// VolumeIn is the traded quote-asset volume.
	VolumeIn float64 `json:"volume_in"`

	// VolumeOut is the traded base-asset volume.
	VolumeOut float64 `json:"volume_out"`
}

// Bucket truncates a unix timestamp (seconds) down to its interval boundary.
// Negative timestamps round towards minus infinity.
func Bucket(ts int64) int64 {
	b := (ts / IntervalSeconds) * IntervalSeconds
	if ts < 0 && ts%IntervalSeconds != 0 {
		b -= IntervalSeconds
	}
	return b
}

// Apply folds a trade price and its amounts into the candle.
func (c *Candle) Apply(t Trade) {
	c.Close = t.Price
	c.High = math.Max(c.High, t.Price)
	c.Low = math.Min(c.Low, t.Price)
	c.VolumeIn += t.QuoteAmount
	c.VolumeOut += t.BaseAmount
}
