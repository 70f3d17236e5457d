package engine

import (
	"math"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// Feature keys produced for every snapshot. Model artifacts name the subset
// they consume.
const (
	FeatureRet1      = "ret_1"
	FeatureRet5      = "ret_5"
	FeatureRet15     = "ret_15"
	FeatureVol20     = "vol_20"
	FeatureVolumeZ20 = "volume_z_20"
	FeatureSpreadBps = "spread_bps"
	FeatureFunding   = "funding"
)

// minutesPerYear annualizes minute-bar volatility.
const minutesPerYear = 365 * 24 * 60

// featureWindow is the minimum bar count before snapshots are produced:
// vol_20 needs 20 returns, so 21 closes.
const featureWindow = 21

// maxWindowBars caps the rolling window retained per engine.
const maxWindowBars = 2000

// FeatureBuilder maintains one symbol's rolling minute-bar window, seeded
// from the bootstrap history and extended by live ticks.
type FeatureBuilder struct {
	bars []types.Bar
}

// NewFeatureBuilder seeds the window with gap-filled bootstrap bars.
func NewFeatureBuilder(seed []types.Bar) *FeatureBuilder {
	bars := make([]types.Bar, len(seed))
	copy(bars, seed)
	if len(bars) > maxWindowBars {
		bars = bars[len(bars)-maxWindowBars:]
	}
	return &FeatureBuilder{bars: bars}
}

// OnTick folds a live tick into the window: same minute updates the current
// bar, a newer minute opens a new one. Ticks older than the current bar are
// ignored.
func (b *FeatureBuilder) OnTick(md types.MarketData) {
	minute := md.Timestamp.UnixMilli() / types.BarIntervalMs * types.BarIntervalMs

	if n := len(b.bars); n > 0 {
		cur := &b.bars[n-1]
		switch {
		case minute < cur.TimestampMs:
			return
		case minute == cur.TimestampMs:
			if md.Price.GreaterThan(cur.High) {
				cur.High = md.Price
			}
			if md.Price.LessThan(cur.Low) {
				cur.Low = md.Price
			}
			cur.Close = md.Price
			cur.Volume = cur.Volume.Add(md.Volume)
			return
		}
	}

	b.bars = append(b.bars, types.Bar{
		TimestampMs: minute,
		Open:        md.Price,
		High:        md.Price,
		Low:         md.Price,
		Close:       md.Price,
		Volume:      md.Volume,
	})
	if len(b.bars) > maxWindowBars {
		b.bars = b.bars[len(b.bars)-maxWindowBars:]
	}
}

// Ready reports whether the window is deep enough to compute features.
func (b *FeatureBuilder) Ready() bool {
	return len(b.bars) >= featureWindow
}

// Bars returns the current window depth.
func (b *FeatureBuilder) Bars() int {
	return len(b.bars)
}

// Snapshot computes the feature map for the current window plus tick-level
// fields, along with the annualized volatility used for position sizing.
func (b *FeatureBuilder) Snapshot(md types.MarketData) (types.Features, float64) {
	n := len(b.bars)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, bar := range b.bars {
		closes[i] = bar.Close.InexactFloat64()
		volumes[i] = bar.Volume.InexactFloat64()
	}

	minuteVol := stdev(returns(closes, 20))
	annualVol := minuteVol * math.Sqrt(minutesPerYear)

	spreadBps := 0.0
	if md.Price.IsPositive() {
		spreadBps = md.Spread.Div(md.Price).InexactFloat64() * 10_000
	}

	f := types.Features{
		FeatureRet1:      lookbackReturn(closes, 1),
		FeatureRet5:      lookbackReturn(closes, 5),
		FeatureRet15:     lookbackReturn(closes, 15),
		FeatureVol20:     minuteVol,
		FeatureVolumeZ20: zscore(volumes, 20),
		FeatureSpreadBps: spreadBps,
		FeatureFunding:   md.Funding,
	}
	return f, annualVol
}

// lookbackReturn is the simple return over the trailing k bars.
func lookbackReturn(closes []float64, k int) float64 {
	n := len(closes)
	if n <= k || closes[n-1-k] == 0 {
		return 0
	}
	return closes[n-1]/closes[n-1-k] - 1
}

// returns computes up to k trailing one-bar simple returns.
func returns(closes []float64, k int) []float64 {
	n := len(closes)
	if n < 2 {
		return nil
	}
	start := n - 1 - k
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, k)
	for i := start + 1; i < n; i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// zscore of the latest value against the trailing k values before it.
func zscore(xs []float64, k int) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	start := n - 1 - k
	if start < 0 {
		start = 0
	}
	window := xs[start : n-1]
	if len(window) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range window {
		mean += x
	}
	mean /= float64(len(window))
	sd := stdev(window)
	if sd == 0 {
		return 0
	}
	return (xs[n-1] - mean) / sd
}
