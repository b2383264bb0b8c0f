// Package wire encodes and decodes the fixed-layout binary records exchanged
// with the feed server.
//
// Candle batch layout (little-endian, no padding):
//
//	[0:4]   uint32 count
//	[4:...] count records of 64 bytes:
//	        int64 timestamp, float64 open, close, high, low, volumeIn, volumeOut,
//	        8 reserved bytes (written as zero, ignored on decode)
//
// Trade event layout (exactly 24 bytes):
//
//	int64 tradeTime, float64 quoteAmount, float64 baseAmount
//
// The price of a trade is derived on decode and never transmitted. No price
// sanity checks are made here; NaN and negative values pass through.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/navid-fn/candlestream/internal/models"
)

const (
	// CountSize is the size of the batch header.
	CountSize = 4
	// CandleRecordSize is the size of one encoded candle.
	CandleRecordSize = 64
	// TradeRecordSize is the size of one encoded trade event.
	TradeRecordSize = 24
)

var (
	// ErrMalformedPayload is returned when a frame does not match its fixed layout.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrDivisionByZero is returned for a trade with a zero base amount.
	ErrDivisionByZero = errors.New("trade base amount is zero")
)

var le = binary.LittleEndian

// DecodeCandles decodes a candle batch.
func DecodeCandles(b []byte) ([]models.Candle, error) {
	if len(b) < CountSize {
		return nil, fmt.Errorf("%w: candle batch of %d bytes has no count header", ErrMalformedPayload, len(b))
	}

	count := uint64(le.Uint32(b[:CountSize]))
	want := uint64(CountSize) + count*CandleRecordSize
	if uint64(len(b)) != want {
		return nil, fmt.Errorf("%w: candle batch count=%d wants %d bytes, got %d",
			ErrMalformedPayload, count, want, len(b))
	}

	out := make([]models.Candle, 0, count)
	for off := CountSize; off < len(b); off += CandleRecordSize {
		rec := b[off : off+CandleRecordSize]
		out = append(out, models.Candle{
			Timestamp: int64(le.Uint64(rec[0:8])),
			Open:      readFloat(rec[8:16]),
			Close:     readFloat(rec[16:24]),
			High:      readFloat(rec[24:32]),
			Low:       readFloat(rec[32:40]),
			VolumeIn:  readFloat(rec[40:48]),
			VolumeOut: readFloat(rec[48:56]),
		})
	}
	return out, nil
}

// EncodeCandles is the inverse of DecodeCandles.
func EncodeCandles(candles []models.Candle) []byte {
	b := make([]byte, CountSize+len(candles)*CandleRecordSize)
	le.PutUint32(b[:CountSize], uint32(len(candles)))

	off := CountSize
	for _, c := range candles {
		rec := b[off : off+CandleRecordSize]
		le.PutUint64(rec[0:8], uint64(c.Timestamp))
		putFloat(rec[8:16], c.Open)
		putFloat(rec[16:24], c.Close)
		putFloat(rec[24:32], c.High)
		putFloat(rec[32:40], c.Low)
		putFloat(rec[40:48], c.VolumeIn)
		putFloat(rec[48:56], c.VolumeOut)
		// rec[56:64] is reserved and left zero.
		off += CandleRecordSize
	}
	return b
}

// DecodeTrade decodes a single trade event and derives its price.
func DecodeTrade(b []byte) (models.Trade, error) {
	if len(b) != TradeRecordSize {
		return models.Trade{}, fmt.Errorf("%w: trade event wants %d bytes, got %d",
			ErrMalformedPayload, TradeRecordSize, len(b))
	}

	tradeTime := int64(le.Uint64(b[0:8]))
	quote := readFloat(b[8:16])
	base := readFloat(b[16:24])
	if base == 0 {
		return models.Trade{}, fmt.Errorf("decode trade at %d: %w", tradeTime, ErrDivisionByZero)
	}

	return models.NewTrade(tradeTime, quote, base), nil
}

// EncodeTrade is the inverse of DecodeTrade. The price field is not encoded.
func EncodeTrade(t models.Trade) []byte {
	b := make([]byte, TradeRecordSize)
	le.PutUint64(b[0:8], uint64(t.TradeTime))
	putFloat(b[8:16], t.QuoteAmount)
	putFloat(b[16:24], t.BaseAmount)
	return b
}

// DecodeCandlesBase64 decodes a candle batch carried as base64 text.
func DecodeCandlesBase64(s string) ([]models.Candle, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedPayload, err)
	}
	return DecodeCandles(b)
}

// EncodeCandlesBase64 encodes a candle batch as base64 text.
func EncodeCandlesBase64(candles []models.Candle) string {
	return base64.StdEncoding.EncodeToString(EncodeCandles(candles))
}

func readFloat(b []byte) float64 {
	return math.Float64frombits(le.Uint64(b))
}

func putFloat(b []byte, v float64) {
	le.PutUint64(b, math.Float64bits(v))
}
