package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marketgrid/trading-engine/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()

	if cfg.EngineDefaults.QueueCapacity != 128 {
		t.Errorf("queue_capacity default = %d, want 128", cfg.EngineDefaults.QueueCapacity)
	}
	if cfg.Risk.Policy.MaxDailyLossPct != 3.0 {
		t.Errorf("max_daily_loss_pct default = %v, want 3.0", cfg.Risk.Policy.MaxDailyLossPct)
	}
	if cfg.Predictor.ThresholdEntry != 0.55 {
		t.Errorf("threshold_entry default = %v, want 0.55", cfg.Predictor.ThresholdEntry)
	}
	if cfg.Recovery.MaxRestartsPerHour != 5 {
		t.Errorf("max_restarts_per_hour default = %d, want 5", cfg.Recovery.MaxRestartsPerHour)
	}
	if got := cfg.Health.CheckInterval().Seconds(); got != 30 {
		t.Errorf("check interval = %vs, want 30s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
symbols_to_trade:
  - BTC/USDT
  - ETH/USDT
engine_defaults:
  cycle_interval_sec: 0.5
  queue_capacity: 64
executor:
  rate_rps: 10
risk:
  policy:
    max_daily_loss_pct: 2.5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.SymbolsToTrade) != 2 || cfg.SymbolsToTrade[0] != "BTC/USDT" {
		t.Errorf("symbols = %v", cfg.SymbolsToTrade)
	}
	if cfg.EngineDefaults.QueueCapacity != 64 {
		t.Errorf("queue_capacity = %d, want 64", cfg.EngineDefaults.QueueCapacity)
	}
	if cfg.Executor.RateRPS != 10 {
		t.Errorf("rate_rps = %v, want 10", cfg.Executor.RateRPS)
	}
	// Unset keys keep their defaults.
	if cfg.Health.HeartbeatTimeoutSec != 60 {
		t.Errorf("heartbeat_timeout_sec = %v, want default 60", cfg.Health.HeartbeatTimeoutSec)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := config.Default()
	cfg.Predictor.Weights.Tabular = 0.9
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for weights not summing to 1")
	}
}
