// Package ingest admits freshly fetched trades and appends the ones never seen before.
package ingest

import (
	"fmt"

	"github.com/rewired-gh/insiderwatch/internal/logger"
	"github.com/rewired-gh/insiderwatch/internal/models"
	"github.com/shopspring/decimal"
)

// Store is the record store the deduplicator reads from and appends to.
type Store interface {
	AllTrades() ([]*models.TradeRecord, error)
	AppendTrades(records []*models.TradeRecord) error
}

type Config struct {
	MinValue         decimal.Decimal
	TransactionCodes []string
}

func DefaultConfig() Config {
	return Config{
		MinValue:         decimal.NewFromInt(100_000),
		TransactionCodes: []string{models.TransactionCodePurchase},
	}
}

type Deduplicator struct {
	store Store
	cfg   Config
	codes map[string]bool
}

func New(store Store, cfg Config) *Deduplicator {
	codes := make(map[string]bool, len(cfg.TransactionCodes))
	for _, c := range cfg.TransactionCodes {
		codes[c] = true
	}
	return &Deduplicator{store: store, cfg: cfg, codes: codes}
}

// Admit drops records that fail validation, carry a non-buy transaction code or
// fall below the minimum value. The source may already filter these; the
// filter is applied again here regardless.
func (d *Deduplicator) Admit(batch []*models.TradeRecord) []*models.TradeRecord {
	admitted := make([]*models.TradeRecord, 0, len(batch))
	for _, r := range batch {
		if err := r.Validate(); err != nil {
			logger.Warn("Rejecting invalid record %s: %v", r.Key(), err)
			continue
		}
		if !d.codes[r.TransactionCode] {
			logger.Debug("Rejecting %s: transaction code %q not admitted", r.Key(), r.TransactionCode)
			continue
		}
		if r.Value.LessThan(d.cfg.MinValue) {
			logger.Debug("Rejecting %s: value %s below %s", r.Key(), r.Value, d.cfg.MinValue)
			continue
		}
		admitted = append(admitted, r)
	}
	return admitted
}

// Plan returns the admitted records whose key is neither repeated earlier in
// the batch nor already present in the store. It performs no write.
func (d *Deduplicator) Plan(batch []*models.TradeRecord) ([]*models.TradeRecord, error) {
	existing, err := d.store.AllTrades()
	if err != nil {
		return nil, fmt.Errorf("failed to load record store: %w", err)
	}
	seen := make(map[models.Key]struct{}, len(existing)+len(batch))
	for _, r := range existing {
		seen[r.Key()] = struct{}{}
	}

	fresh := []*models.TradeRecord{}
	for _, r := range d.Admit(batch) {
		key := r.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh, nil
}

// Dedupe computes the new records in batch and appends them to the store in a
// single batch write. It returns exactly the records that were appended; when
// nothing is new it returns an empty slice and writes nothing.
func (d *Deduplicator) Dedupe(batch []*models.TradeRecord) ([]*models.TradeRecord, error) {
	fresh, err := d.Plan(batch)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return fresh, nil
	}
	if err := d.store.AppendTrades(fresh); err != nil {
		return nil, fmt.Errorf("failed to append %d new records: %w", len(fresh), err)
	}
	return fresh, nil
}
