package models

// Trade is a single execution decoded from the stream. It is consumed
// into the candle store and never retained.
type Trade struct {
	// TradeTime is the execution time in unix seconds.
	TradeTime int64 `json:"trade_time"`

	// QuoteAmount is the quote-asset amount exchanged.
	QuoteAmount float64 `json:"quote_amount"`

	// BaseAmount is the base-asset amount exchanged.
	BaseAmount float64 `json:"base_amount"`

	// Price is QuoteAmount / BaseAmount. It is derived, never transmitted.
	Price float64 `json:"price"`
}

// NewTrade builds a trade and derives its price. Callers must ensure
// baseAmount is non-zero.
func NewTrade(tradeTime int64, quoteAmount, baseAmount float64) Trade {
	return Trade{
		TradeTime:   tradeTime,
		QuoteAmount: quoteAmount,
		BaseAmount:  baseAmount,
		Price:       quoteAmount / baseAmount,
	}
}
