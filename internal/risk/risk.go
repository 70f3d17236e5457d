// Package risk holds the portfolio equity book and sizing policy shared by
// every trading engine.
package risk

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/metrics"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// Manager is the single source of truth for whether a new position may open
// and at what notional. All engines and the executor share one instance; the
// internal mutex linearizes mutations.
type Manager struct {
	logger *zap.Logger
	policy config.PolicyConfig

	mu   sync.Mutex
	book types.EquityBook
}

// NewManager creates a risk manager with equity_now and equity_start_day both
// set to the base equity.
func NewManager(logger *zap.Logger, policy config.PolicyConfig, baseEquityUSD float64) *Manager {
	equity := decimal.NewFromFloat(baseEquityUSD)
	return &Manager{
		logger: logger.Named("risk"),
		policy: policy,
		book: types.EquityBook{
			EquityStartDay: equity,
			EquityNow:      equity,
		},
	}
}

// PositionSizeUsd computes the notional for a new position as
// kelly_fraction * volatility_scale * confidence applied to current equity,
// clamped to the policy notional band and to the per-symbol equity cap.
func (m *Manager) PositionSizeUsd(symbol string, probUp, confidence, annualVol float64) float64 {
	m.mu.Lock()
	equityNow, _ := m.book.EquityNow.Float64()
	m.mu.Unlock()

	// Kelly edge for a symmetric-payoff bet.
	edge := 2*probUp - 1
	kelly := clip(m.policy.KellyCoeff*edge, 0, m.policy.MaxSymbolRiskPct)

	volScale := 1.0
	if annualVol > 0 {
		volScale = math.Min(1, m.policy.VolTargetAnnual/annualVol)
	}

	size := kelly * volScale * confidence * equityNow
	size = clip(size, m.policy.MinNotionalUSD, m.policy.MaxNotionalUSD)
	size = math.Min(size, equityNow*m.policy.MaxSymbolRiskPct)
	return size
}

// CanOpenNewPosition reports whether a new position for symbol is permitted.
func (m *Manager) CanOpenNewPosition(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book.GlobalStopEngaged {
		return false
	}
	return m.book.PositionsOpen < m.policy.MaxConcurrentPositions
}

// OnOrderFilled updates the equity book for a fill. Opening fills increment
// positions_open; closing fills decrement and realize PnL.
func (m *Manager) OnOrderFilled(symbol string, side types.OrderSide, notional, realizedPnL decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if realizedPnL.IsZero() {
		m.book.PositionsOpen++
	} else {
		if m.book.PositionsOpen > 0 {
			m.book.PositionsOpen--
		}
		m.applyRealizedLocked(symbol, realizedPnL)
	}
	m.publishLocked()
}

// OnPositionClosed realizes PnL for a closed position and latches the global
// stop when the daily loss limit is breached. The latch is one-way within the
// day; only ResetDay clears it.
func (m *Manager) OnPositionClosed(symbol string, realizedPnL decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book.PositionsOpen > 0 {
		m.book.PositionsOpen--
	}
	m.applyRealizedLocked(symbol, realizedPnL)
	m.publishLocked()
}

// ResetDay snapshots equity_start_day from equity_now, zeroes the realized
// percentage, and clears the global stop.
func (m *Manager) ResetDay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book.EquityStartDay = m.book.EquityNow
	m.book.RealizedTodayPct = 0
	m.book.GlobalStopEngaged = false
	m.logger.Info("Day reset",
		zap.String("equityStartDay", m.book.EquityStartDay.String()))
}

// GlobalStopEngaged reports the latch without copying the whole book.
func (m *Manager) GlobalStopEngaged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.GlobalStopEngaged
}

// Summary returns a read-only copy of the equity book.
func (m *Manager) Summary() types.EquityBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book
}

func (m *Manager) applyRealizedLocked(symbol string, realizedPnL decimal.Decimal) {
	m.book.EquityNow = m.book.EquityNow.Add(realizedPnL)

	if !m.book.EquityStartDay.IsZero() {
		pct, _ := m.book.EquityNow.Sub(m.book.EquityStartDay).
			Div(m.book.EquityStartDay).Float64()
		m.book.RealizedTodayPct = pct
	}

	limit := m.policy.MaxDailyLossPct / 100
	if !m.book.GlobalStopEngaged && m.book.RealizedTodayPct <= -limit {
		m.book.GlobalStopEngaged = true
		m.logger.Warn("Daily loss limit breached, global stop engaged",
			zap.String("symbol", symbol),
			zap.Float64("realizedTodayPct", m.book.RealizedTodayPct),
			zap.Float64("limitPct", limit))
	}
}

func (m *Manager) publishLocked() {
	equity, _ := m.book.EquityNow.Float64()
	metrics.SetEquityNow(equity)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
