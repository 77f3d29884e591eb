// Package models defines the core domain entities: insider trades, market snapshots,
// enriched records and qualification verdicts.
package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// FilingDateLayout is the layout OpenInsider uses for filing timestamps and the
// layout filing dates are persisted with.
const FilingDateLayout = "2006-01-02 15:04:05"

// TransactionDateLayout is the layout of trade dates.
const TransactionDateLayout = "2006-01-02"

// TransactionCodePurchase is the SEC Form 4 code for an open-market purchase.
const TransactionCodePurchase = "P"

// Key is the composite identity of a disclosure. Two filings that differ only
// in amount or title share a key and are treated as the same record.
type Key struct {
	FilingDate  string
	Ticker      string
	InsiderName string
}

func (k Key) String() string {
	return k.FilingDate + "|" + k.Ticker + "|" + k.InsiderName
}

// TradeRecord is one insider disclosure as scraped from the source.
// Records are created once per key and never mutated afterwards.
type TradeRecord struct {
	Ticker          string          `json:"ticker"`
	CompanyName     string          `json:"company_name"`
	InsiderName     string          `json:"insider_name"`
	Title           string          `json:"title"`
	TransactionCode string          `json:"transaction_code"`
	FilingDate      time.Time       `json:"filing_date"`
	TransactionDate time.Time       `json:"transaction_date"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int64           `json:"quantity"`
	Value           decimal.Decimal `json:"value"`
}

// Key returns the record's composite identity.
func (r *TradeRecord) Key() Key {
	return Key{
		FilingDate:  r.FilingDate.UTC().Format(FilingDateLayout),
		Ticker:      r.Ticker,
		InsiderName: r.InsiderName,
	}
}

// IsPurchase reports whether the record is an open-market buy.
func (r *TradeRecord) IsPurchase() bool {
	return r.TransactionCode == TransactionCodePurchase
}

// Validate checks record field constraints.
func (r *TradeRecord) Validate() error {
	if r.Ticker == "" {
		return errors.New("ticker must not be empty")
	}
	if r.InsiderName == "" {
		return errors.New("insider name must not be empty")
	}
	if r.FilingDate.IsZero() {
		return errors.New("filing date must be set")
	}
	if !r.Price.IsPositive() {
		return errors.New("price must be positive")
	}
	if r.Value.IsNegative() {
		return errors.New("value must not be negative")
	}
	return nil
}
