package risk_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/risk"
	"github.com/marketgrid/trading-engine/pkg/types"
)

func policy() config.PolicyConfig {
	return config.PolicyConfig{
		MaxDailyLossPct:        3.0,
		MaxSymbolRiskPct:       0.20,
		MaxConcurrentPositions: 5,
		VolTargetAnnual:        0.15,
		KellyCoeff:             0.25,
		MinNotionalUSD:         5,
		MaxNotionalUSD:         250,
	}
}

func TestPositionSizeClampedToNotionalBand(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), policy(), 10000)

	// Strong edge, calm vol: raw size well above the ceiling.
	size := m.PositionSizeUsd("BTC/USDT", 0.95, 0.9, 0.10)
	if size != 250 {
		t.Errorf("size = %v, want ceiling 250", size)
	}

	// Negligible edge: floor applies.
	size = m.PositionSizeUsd("BTC/USDT", 0.5001, 0.0002, 0.5)
	if size != 5 {
		t.Errorf("size = %v, want floor 5", size)
	}
}

func TestPositionSizeVolScaling(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), policy(), 10000)

	calm := m.PositionSizeUsd("ETH/USDT", 0.62, 0.24, 0.15)
	stormy := m.PositionSizeUsd("ETH/USDT", 0.62, 0.24, 0.60)
	if stormy >= calm {
		t.Errorf("higher vol should shrink size: calm=%v stormy=%v", calm, stormy)
	}
	// vol_target/annual_vol = 0.25, so stormy should be a quarter of calm
	// before clamping; both are inside the band here.
	if math.Abs(stormy-calm*0.25) > 1e-9 {
		t.Errorf("stormy = %v, want %v", stormy, calm*0.25)
	}
}

func TestPositionSizeCappedByEquityShare(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), policy(), 100)

	size := m.PositionSizeUsd("BTC/USDT", 0.95, 0.9, 0.10)
	if size > 100*0.20 {
		t.Errorf("size = %v exceeds equity*max_symbol_risk_pct = 20", size)
	}
}

func TestCanOpenNewPositionLimits(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), policy(), 10000)

	if !m.CanOpenNewPosition("BTC/USDT") {
		t.Fatal("fresh book should allow a position")
	}
	for i := 0; i < 5; i++ {
		m.OnOrderFilled("BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(100), decimal.Zero)
	}
	if m.CanOpenNewPosition("BTC/USDT") {
		t.Error("at max_concurrent_positions, opening must be refused")
	}
	m.OnPositionClosed("BTC/USDT", decimal.NewFromInt(1))
	if !m.CanOpenNewPosition("BTC/USDT") {
		t.Error("after a close, opening should be allowed again")
	}
}

func TestGlobalStopLatch(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), policy(), 10000)

	m.OnOrderFilled("BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(100), decimal.Zero)
	m.OnPositionClosed("BTC/USDT", decimal.NewFromInt(-350))

	book := m.Summary()
	if math.Abs(book.RealizedTodayPct-(-0.035)) > 1e-9 {
		t.Errorf("RealizedTodayPct = %v, want -0.035", book.RealizedTodayPct)
	}
	if !book.GlobalStopEngaged {
		t.Fatal("loss beyond 3%% must engage the global stop")
	}
	if m.CanOpenNewPosition("ETH/USDT") {
		t.Error("global stop must block every symbol")
	}

	// A winning close does not release the latch.
	m.OnOrderFilled("ETH/USDT", types.OrderSideBuy, decimal.NewFromInt(100), decimal.NewFromInt(500))
	if !m.GlobalStopEngaged() {
		t.Error("latch must be one-way within the day")
	}
}

func TestResetDay(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), policy(), 10000)
	m.OnOrderFilled("BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(100), decimal.Zero)
	m.OnPositionClosed("BTC/USDT", decimal.NewFromInt(-350))
	if !m.GlobalStopEngaged() {
		t.Fatal("precondition: stop engaged")
	}

	m.ResetDay()

	book := m.Summary()
	if book.GlobalStopEngaged {
		t.Error("ResetDay must clear the global stop")
	}
	if book.RealizedTodayPct != 0 {
		t.Errorf("RealizedTodayPct = %v, want 0", book.RealizedTodayPct)
	}
	if !book.EquityStartDay.Equal(book.EquityNow) {
		t.Errorf("EquityStartDay = %v, want %v", book.EquityStartDay, book.EquityNow)
	}
	if !book.EquityNow.Equal(decimal.NewFromInt(9650)) {
		t.Errorf("EquityNow = %v, want 9650", book.EquityNow)
	}
}
