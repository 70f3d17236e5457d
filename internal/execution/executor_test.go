package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/broker"
	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/execution"
	"github.com/marketgrid/trading-engine/internal/risk"
	"github.com/marketgrid/trading-engine/pkg/types"
)

type capturingPlacer struct {
	mu     sync.Mutex
	orders []types.Order
	err    error
}

func (c *capturingPlacer) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.orders = append(c.orders, order)
	return "exch-1", nil
}

func (c *capturingPlacer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.orders)
}

func executorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		RateRPS:          200,
		ExposureLimitUSD: 5000,
		BrokerTimeoutSec: 1,
		CoarseWindowMs:   1000,
	}
}

func riskManager(t *testing.T) *risk.Manager {
	t.Helper()
	return risk.NewManager(zap.NewNop(), config.PolicyConfig{
		MaxDailyLossPct:        3.0,
		MaxSymbolRiskPct:       0.20,
		MaxConcurrentPositions: 5,
		VolTargetAnnual:        0.15,
		KellyCoeff:             0.25,
		MinNotionalUSD:         5,
		MaxNotionalUSD:         250,
	}, 10000)
}

func signal(symbol string, notional float64) types.Signal {
	return types.Signal{
		Symbol:      symbol,
		Side:        types.OrderSideBuy,
		NotionalUSD: decimal.NewFromFloat(notional),
		PriceHint:   decimal.NewFromInt(100),
		GeneratedAt: time.Now(),
	}
}

func TestExecuteHappyPath(t *testing.T) {
	placer := &capturingPlacer{}
	rm := riskManager(t)
	ex := execution.NewExecutor(zap.NewNop(), executorConfig(), rm, placer)

	res := ex.Execute(context.Background(), signal("BTC/USDT", 200))
	if !res.OK {
		t.Fatalf("Execute = %+v, want ok", res)
	}
	if len(res.ClientOrderID) != 20 {
		t.Errorf("ClientOrderID %q, want 20 hex chars", res.ClientOrderID)
	}
	if res.OrderID == "" {
		t.Error("OrderID empty")
	}
	if got := rm.Summary().PositionsOpen; got != 1 {
		t.Errorf("positions_open = %d, want 1", got)
	}
	if placer.count() != 1 {
		t.Errorf("broker received %d orders, want 1", placer.count())
	}
}

func TestExecuteKillSwitchBlocksBeforeBroker(t *testing.T) {
	placer := &capturingPlacer{}
	ex := execution.NewExecutor(zap.NewNop(), executorConfig(), riskManager(t), placer)

	ex.EngageKillSwitch("manual")
	res := ex.Execute(context.Background(), signal("BTC/USDT", 100))
	if res.OK || res.Reason != execution.ReasonKillSwitch {
		t.Fatalf("result = %+v, want kill_switch block", res)
	}
	if placer.count() != 0 {
		t.Error("blocked order must not reach the broker")
	}

	ex.DisengageKillSwitch()
	if res := ex.Execute(context.Background(), signal("BTC/USDT", 100)); !res.OK {
		t.Errorf("after disengage, Execute = %+v, want ok", res)
	}
}

func TestGlobalStopAutoEngagesKillSwitch(t *testing.T) {
	placer := &capturingPlacer{}
	rm := riskManager(t)
	ex := execution.NewExecutor(zap.NewNop(), executorConfig(), rm, placer)

	// Breach the daily loss limit: -350 on 10000 is -3.5%.
	rm.OnOrderFilled("BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(100), decimal.Zero)
	rm.OnPositionClosed("BTC/USDT", decimal.NewFromInt(-350))

	for i := 0; i < 3; i++ {
		res := ex.Execute(context.Background(), signal("ETH/USDT", 50))
		if res.OK || res.Reason != execution.ReasonKillSwitch {
			t.Fatalf("call %d: result = %+v, want kill_switch", i, res)
		}
	}
	engaged, reason := ex.KillSwitch()
	if !engaged || reason != execution.KillReasonGlobalStop {
		t.Errorf("kill switch = %v/%q, want engaged with global_stop", engaged, reason)
	}
	if placer.count() != 0 {
		t.Error("no order may reach the broker after global stop")
	}
}

func TestExposureLimitEngagesKillSwitch(t *testing.T) {
	placer := &capturingPlacer{}
	ex := execution.NewExecutor(zap.NewNop(), executorConfig(), riskManager(t), placer)

	res := ex.Execute(context.Background(), signal("BTC/USDT", 6000))
	if res.OK || res.Reason != execution.ReasonExposureLimit {
		t.Fatalf("result = %+v, want exposure_limit", res)
	}
	engaged, reason := ex.KillSwitch()
	if !engaged || reason != execution.KillReasonExposureLimit {
		t.Errorf("kill switch = %v/%q, want engaged with exposure_limit", engaged, reason)
	}

	// Subsequent calls report kill_switch, not exposure_limit.
	res = ex.Execute(context.Background(), signal("BTC/USDT", 10))
	if res.Reason != execution.ReasonKillSwitch {
		t.Errorf("follow-up reason = %q, want kill_switch", res.Reason)
	}
}

func TestExposureAccumulatesAcrossFills(t *testing.T) {
	placer := &capturingPlacer{}
	cfg := executorConfig()
	cfg.ExposureLimitUSD = 500
	ex := execution.NewExecutor(zap.NewNop(), cfg, riskManager(t), placer)

	for i := 0; i < 2; i++ {
		if res := ex.Execute(context.Background(), signal("BTC/USDT", 200)); !res.OK {
			t.Fatalf("fill %d: %+v", i, res)
		}
	}
	// 400 held + 200 requested > 500.
	res := ex.Execute(context.Background(), signal("BTC/USDT", 200))
	if res.Reason != execution.ReasonExposureLimit {
		t.Fatalf("result = %+v, want exposure_limit", res)
	}
}

func TestRiskBlockAtMaxConcurrentPositions(t *testing.T) {
	placer := &capturingPlacer{}
	rm := riskManager(t)
	ex := execution.NewExecutor(zap.NewNop(), executorConfig(), rm, placer)

	for i := 0; i < 5; i++ {
		rm.OnOrderFilled("X", types.OrderSideBuy, decimal.NewFromInt(10), decimal.Zero)
	}
	res := ex.Execute(context.Background(), signal("BTC/USDT", 50))
	if res.OK || res.Reason != execution.ReasonRiskBlock {
		t.Fatalf("result = %+v, want risk_block", res)
	}
}

func TestBrokerErrorDoesNotEngageKillSwitch(t *testing.T) {
	placer := &capturingPlacer{err: errors.New("exchange 503")}
	rm := riskManager(t)
	ex := execution.NewExecutor(zap.NewNop(), executorConfig(), rm, placer)

	res := ex.Execute(context.Background(), signal("BTC/USDT", 100))
	if res.OK || res.Reason != execution.ReasonBrokerError {
		t.Fatalf("result = %+v, want broker_error", res)
	}
	if res.Err == nil {
		t.Error("broker error must be surfaced")
	}
	if engaged, _ := ex.KillSwitch(); engaged {
		t.Error("broker errors must not engage the kill-switch")
	}
	if got := rm.Summary().PositionsOpen; got != 0 {
		t.Errorf("positions_open = %d, want 0 after failed submit", got)
	}
}

func TestCancelledContextIsNotABrokerError(t *testing.T) {
	placer := &capturingPlacer{}
	ex := execution.NewExecutor(zap.NewNop(), executorConfig(), riskManager(t), placer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ex.Execute(ctx, signal("BTC/USDT", 100))
	if res.OK || res.Reason != execution.ReasonCancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if res.Err == nil {
		t.Error("cancellation must carry the context error")
	}
	if placer.count() != 0 {
		t.Error("cancelled call must not reach the broker")
	}
	if engaged, _ := ex.KillSwitch(); engaged {
		t.Error("cancellation must not engage the kill-switch")
	}
}

func TestIdempotentRetryDeduplicatedByBroker(t *testing.T) {
	sim := broker.NewSim(zap.NewNop(), broker.SimConfig{
		Symbols:    []string{"BTC/USDT"},
		StartPrice: 100,
		Seed:       1,
	})
	cfg := executorConfig()
	cfg.CoarseWindowMs = 60_000 // wide window so both calls land in one bucket
	ex := execution.NewExecutor(zap.NewNop(), cfg, riskManager(t), sim)

	sig := signal("BTC/USDT", 100)
	first := ex.Execute(context.Background(), sig)
	second := ex.Execute(context.Background(), sig)
	if !first.OK || !second.OK {
		t.Fatalf("results = %+v / %+v, want both ok", first, second)
	}
	if first.ClientOrderID != second.ClientOrderID {
		t.Errorf("client IDs differ inside one window: %s vs %s",
			first.ClientOrderID, second.ClientOrderID)
	}
	if first.OrderID != second.OrderID {
		t.Errorf("broker did not deduplicate: %s vs %s", first.OrderID, second.OrderID)
	}
	if sim.SubmittedCount() != 1 {
		t.Errorf("distinct orders at broker = %d, want 1", sim.SubmittedCount())
	}
}

func TestClientOrderIDStableWithinWindow(t *testing.T) {
	qty := decimal.RequireFromString("0.5")
	a := execution.ClientOrderID("BTC/USDT", types.OrderSideBuy, qty, 1_700_000_000_123, 1000)
	b := execution.ClientOrderID("BTC/USDT", types.OrderSideBuy, qty, 1_700_000_000_987, 1000)
	if a != b {
		t.Errorf("same coarse bucket produced different IDs: %s vs %s", a, b)
	}
	c := execution.ClientOrderID("BTC/USDT", types.OrderSideBuy, qty, 1_700_000_001_002, 1000)
	if a == c {
		t.Error("next bucket should produce a different ID")
	}
	d := execution.ClientOrderID("ETH/USDT", types.OrderSideBuy, qty, 1_700_000_000_123, 1000)
	if a == d {
		t.Error("different symbols must not collide")
	}
	if len(a) != 20 {
		t.Errorf("ID length = %d, want 20", len(a))
	}
}
