// Package qualify classifies enriched trades against fixed liquidity and volatility bands.
package qualify

import (
	"fmt"

	"github.com/rewired-gh/insiderwatch/internal/models"
)

// ReasonNoMarketData is the sole reason reported when price data is missing.
const ReasonNoMarketData = "no market data available"

type Config struct {
	MinDailyVolumeValue float64
	MinATRPercent       float64
	MaxATRPercent       float64
}

func DefaultConfig() Config {
	return Config{
		MinDailyVolumeValue: 30_000_000,
		MinATRPercent:       7,
		MaxATRPercent:       20,
	}
}

// Classifier is stateless; Classify is safe to call repeatedly and concurrently.
type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify returns the verdict for r. All bounds are inclusive. When the
// current price is unknown the volume and ATR reasons are suppressed in
// favour of ReasonNoMarketData; otherwise every failing check is reported.
func (c *Classifier) Classify(r *models.EnrichedRecord) models.Verdict {
	m := r.Market
	volumeOK := m.DailyVolumeValue != nil && *m.DailyVolumeValue >= c.cfg.MinDailyVolumeValue
	atrOK := m.ATRPercent != nil && *m.ATRPercent >= c.cfg.MinATRPercent && *m.ATRPercent <= c.cfg.MaxATRPercent

	if volumeOK && atrOK {
		return models.Verdict{Qualified: true}
	}
	if m.CurrentPrice == nil {
		return models.Verdict{Reasons: []string{ReasonNoMarketData}}
	}

	var reasons []string
	if !volumeOK {
		reasons = append(reasons, fmt.Sprintf("Volume $%.1fM (needs $%.0fM+)",
			valueOrZero(m.DailyVolumeValue)/1e6, c.cfg.MinDailyVolumeValue/1e6))
	}
	if !atrOK {
		reasons = append(reasons, fmt.Sprintf("ATR %.1f%% (needs %g-%g%%)",
			valueOrZero(m.ATRPercent), c.cfg.MinATRPercent, c.cfg.MaxATRPercent))
	}
	return models.Verdict{Reasons: reasons}
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
