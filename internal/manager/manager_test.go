package manager_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/broker"
	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/manager"
	"github.com/marketgrid/trading-engine/pkg/types"
)

func testConfig(t *testing.T, symbols []string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SymbolsToTrade = symbols
	cfg.EngineDefaults.CycleIntervalSec = 0.01
	cfg.Feeder.ReconnectBaseSec = 0.01
	cfg.Feeder.ReconnectCapSec = 0.05
	cfg.Feeder.BootstrapBars = 30
	cfg.Executor.RateRPS = 200
	dir := t.TempDir()
	cfg.Paths.Registry = filepath.Join(dir, "registry.json")
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.Paths.ModelTabular = filepath.Join(dir, "missing-tabular.json")
	cfg.Paths.ModelSequence = filepath.Join(dir, "missing-sequence.json")
	return cfg
}

func newManager(t *testing.T, symbols []string) *manager.Manager {
	t.Helper()
	cfg := testConfig(t, symbols)
	sim := broker.NewSim(zap.NewNop(), broker.SimConfig{
		Symbols:      symbols,
		StartPrice:   100,
		TickInterval: 20 * time.Millisecond,
		Seed:         42,
	})
	m, err := manager.New(zap.NewNop(), cfg, sim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartAllRunsEveryConfiguredEngine(t *testing.T) {
	symbols := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	m := newManager(t, symbols)
	defer m.StopAll(2 * time.Second)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return m.Status().Running == len(symbols)
	}, "not all engines reached RUNNING")

	s := m.Status()
	if s.Total != len(symbols) || s.Crashed != 0 {
		t.Errorf("status = %+v", s)
	}
	for _, sym := range symbols {
		h, ok := m.EngineHealth(sym)
		if !ok {
			t.Errorf("missing health for %s", sym)
			continue
		}
		if h.State != types.EngineRunning {
			t.Errorf("%s state = %v, want RUNNING", sym, h.State)
		}
	}
}

func TestStartAllIsIdempotent(t *testing.T) {
	m := newManager(t, []string{"BTC/USDT"})
	defer m.StopAll(2 * time.Second)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("second StartAll = %v, want nil", err)
	}
	if err := m.StartEngine("BTC/USDT"); err != nil {
		t.Errorf("StartEngine on running engine = %v, want nil", err)
	}
}

func TestUnknownSymbolRejected(t *testing.T) {
	m := newManager(t, []string{"BTC/USDT"})
	defer m.StopAll(2 * time.Second)

	if err := m.StartEngine("DOGE/USDT"); err == nil {
		t.Error("StartEngine with unconfigured symbol should fail")
	}
	if err := m.StopEngine("DOGE/USDT", time.Second); err == nil {
		t.Error("StopEngine with unknown symbol should fail")
	}
	if _, ok := m.EngineHealth("DOGE/USDT"); ok {
		t.Error("EngineHealth for unknown symbol should miss")
	}
}

func TestStopAllStopsEverything(t *testing.T) {
	symbols := []string{"BTC/USDT", "ETH/USDT"}
	m := newManager(t, symbols)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return m.Status().Running == len(symbols)
	}, "engines did not start")

	if err := m.StopAll(3 * time.Second); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	s := m.Status()
	if s.Running != 0 || s.Stopped != len(symbols) {
		t.Errorf("status after StopAll = %+v", s)
	}
	// StopAll twice is safe.
	if err := m.StopAll(time.Second); err != nil {
		t.Errorf("second StopAll = %v", err)
	}
}

func TestOperatorRestart(t *testing.T) {
	m := newManager(t, []string{"BTC/USDT"})
	defer m.StopAll(2 * time.Second)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		h, _ := m.EngineHealth("BTC/USDT")
		return h.State == types.EngineRunning
	}, "engine did not start")

	if err := m.RestartEngine("BTC/USDT"); err != nil {
		t.Fatalf("RestartEngine: %v", err)
	}
	h, _ := m.EngineHealth("BTC/USDT")
	if h.State != types.EngineRunning {
		t.Errorf("state after restart = %v, want RUNNING", h.State)
	}
}
