package feeder

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// GapFill returns a chronologically ascending bar sequence with every
// adjacent pair exactly one minute apart. Missing minutes are synthesized by
// forward-carrying the previous close with zero volume. Deterministic for a
// given input.
func GapFill(bars []types.Bar) []types.Bar {
	if len(bars) == 0 {
		return nil
	}

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TimestampMs < sorted[j].TimestampMs
	})

	out := make([]types.Bar, 0, len(sorted))
	out = append(out, sorted[0])

	for _, next := range sorted[1:] {
		cur := out[len(out)-1]
		gap := next.TimestampMs - cur.TimestampMs
		if gap <= 0 {
			// Duplicate minute; keep the first occurrence.
			continue
		}
		for ts := cur.TimestampMs + types.BarIntervalMs; ts < next.TimestampMs; ts += types.BarIntervalMs {
			out = append(out, syntheticBar(ts, cur.Close))
		}
		out = append(out, next)
	}
	return out
}

func syntheticBar(tsMs int64, lastClose decimal.Decimal) types.Bar {
	return types.Bar{
		TimestampMs: tsMs,
		Open:        lastClose,
		High:        lastClose,
		Low:         lastClose,
		Close:       lastClose,
		Volume:      decimal.Zero,
	}
}
