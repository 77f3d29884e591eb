package models

import "time"

// Bar is one daily trading session.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// MarketSnapshot holds per-ticker market metrics computed once at enrichment time.
// A nil field means the value is unknown; an all-nil snapshot is a valid state
// for delisted tickers, thin history and failed lookups.
type MarketSnapshot struct {
	CurrentPrice          *float64 `json:"current_price,omitempty"`
	DailyVolumeValue      *float64 `json:"daily_volume_value,omitempty"`
	FiveDayAvgVolumeValue *float64 `json:"five_day_avg_volume_value,omitempty"`
	ATRPercent            *float64 `json:"atr_percent,omitempty"`
	MarketCap             *float64 `json:"market_cap,omitempty"`

	// LookupErr is the lookup failure that produced an absent snapshot, if any.
	LookupErr string `json:"lookup_err,omitempty"`
}

// HasData reports whether price data was available for the ticker.
func (s MarketSnapshot) HasData() bool {
	return s.CurrentPrice != nil
}

// EnrichedRecord is a TradeRecord merged with the snapshot of its ticker.
type EnrichedRecord struct {
	TradeRecord
	Market     MarketSnapshot `json:"market"`
	EnrichedAt time.Time      `json:"enriched_at"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
