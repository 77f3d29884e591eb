// Package enrich attaches market metrics to newly ingested trades.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/insiderwatch/internal/logger"
	"github.com/rewired-gh/insiderwatch/internal/models"
	"golang.org/x/sync/errgroup"
)

// ErrLookup marks a failed market-data lookup for a single ticker.
var ErrLookup = errors.New("market data lookup failed")

// StaticInfo is slow-moving reference data for a ticker.
type StaticInfo struct {
	MarketCap *float64
}

// Provider is the external market-data source.
type Provider interface {
	History(ctx context.Context, ticker string, sessions int) ([]models.Bar, error)
	StaticInfo(ctx context.Context, ticker string) (StaticInfo, error)
}

type Config struct {
	LookbackSessions int
	MinSessions      int
	ATRPeriod        int
	Workers          int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		LookbackSessions: 15,
		MinSessions:      5,
		ATRPeriod:        14,
		Workers:          4,
		Timeout:          20 * time.Second,
	}
}

// Enricher computes one snapshot per distinct ticker.
type Enricher struct {
	provider Provider
	cfg      Config
}

func New(provider Provider, cfg Config) *Enricher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Enricher{provider: provider, cfg: cfg}
}

// Lookup fetches history for ticker and derives its snapshot. Thin history is
// not an error: it yields an all-absent snapshot and a nil error.
func (e *Enricher) Lookup(ctx context.Context, ticker string) (models.MarketSnapshot, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	bars, err := e.provider.History(ctx, ticker, e.cfg.LookbackSessions)
	if err != nil {
		return models.MarketSnapshot{}, fmt.Errorf("%w: history for %s: %w", ErrLookup, ticker, err)
	}

	snap := Compute(bars, e.cfg.MinSessions, e.cfg.ATRPeriod)
	if !snap.HasData() {
		logger.Debug("Ticker %s has fewer than %d valid sessions", ticker, e.cfg.MinSessions)
		return snap, nil
	}

	info, err := e.provider.StaticInfo(ctx, ticker)
	if err != nil {
		logger.Warn("Market cap unavailable for %s: %v", ticker, err)
	} else {
		snap.MarketCap = info.MarketCap
	}
	return snap, nil
}

// Enrich looks up every ticker on a bounded worker pool. A failed lookup
// yields an absent snapshot carrying the error text for that ticker only.
// Results are keyed by ticker so completion order never leaks into the output.
func (e *Enricher) Enrich(ctx context.Context, tickers []string) map[string]models.MarketSnapshot {
	snaps := make([]models.MarketSnapshot, len(tickers))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, ticker := range tickers {
		g.Go(func() error {
			snap, err := e.Lookup(ctx, ticker)
			if err != nil {
				logger.Warn("Enrichment failed for %s: %v", ticker, err)
				snap = models.MarketSnapshot{LookupErr: err.Error()}
			}
			snaps[i] = snap
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]models.MarketSnapshot, len(tickers))
	for i, ticker := range tickers {
		out[ticker] = snaps[i]
	}
	return out
}

// Tickers returns the distinct tickers of records in first-seen order.
func Tickers(records []*models.TradeRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if !seen[r.Ticker] {
			seen[r.Ticker] = true
			out = append(out, r.Ticker)
		}
	}
	return out
}

// Merge pairs every record with its ticker's snapshot. Records whose ticker is
// missing from snaps are skipped and stay pending for the next run.
func Merge(records []*models.TradeRecord, snaps map[string]models.MarketSnapshot, at time.Time) []*models.EnrichedRecord {
	out := make([]*models.EnrichedRecord, 0, len(records))
	for _, r := range records {
		snap, ok := snaps[r.Ticker]
		if !ok {
			continue
		}
		out = append(out, &models.EnrichedRecord{
			TradeRecord: *r,
			Market:      snap,
			EnrichedAt:  at,
		})
	}
	return out
}
