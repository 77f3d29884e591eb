package enrich

import (
	"math"
	"sort"

	"github.com/rewired-gh/insiderwatch/internal/models"
)

// ValidSessions returns bars with non-zero volume in date order. Halted and
// no-trade days would otherwise distort the true range.
func ValidSessions(bars []models.Bar) []models.Bar {
	valid := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Volume > 0 {
			valid = append(valid, b)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Date.Before(valid[j].Date) })
	return valid
}

// TrueRanges returns the true range of every session that has a previous close.
func TrueRanges(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		h, l := bars[i].High, bars[i].Low
		tr := math.Max(h-l, math.Max(math.Abs(h-prevClose), math.Abs(l-prevClose)))
		trs = append(trs, tr)
	}
	return trs
}

// ATR is the mean true range over the most recent min(period, available) sessions.
func ATR(bars []models.Bar, period int) (float64, bool) {
	trs := TrueRanges(bars)
	window := min(period, len(trs))
	if window <= 0 {
		return 0, false
	}
	return mean(trs[len(trs)-window:]), true
}

// Compute derives a snapshot from raw history. With fewer than minSessions
// valid sessions the snapshot is all-absent.
func Compute(bars []models.Bar, minSessions, atrPeriod int) models.MarketSnapshot {
	valid := ValidSessions(bars)
	if len(valid) < minSessions || len(valid) == 0 {
		return models.MarketSnapshot{}
	}

	last := valid[len(valid)-1]
	price := last.Close

	snap := models.MarketSnapshot{
		CurrentPrice:     models.Float(price),
		DailyVolumeValue: models.Float(float64(last.Volume) * price),
	}

	recent := valid[max(0, len(valid)-5):]
	volumes := make([]float64, len(recent))
	for i, b := range recent {
		volumes[i] = float64(b.Volume)
	}
	snap.FiveDayAvgVolumeValue = models.Float(mean(volumes) * price)

	if atr, ok := ATR(valid, atrPeriod); ok {
		atrPct := 0.0
		if price != 0 {
			atrPct = atr / price * 100
		}
		snap.ATRPercent = models.Float(atrPct)
	}
	return snap
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
