// Package config loads and validates engine configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration tree.
type Config struct {
	SymbolsToTrade []string        `mapstructure:"symbols_to_trade"`
	EngineDefaults EngineDefaults  `mapstructure:"engine_defaults"`
	Health         HealthConfig    `mapstructure:"health"`
	Recovery       RecoveryConfig  `mapstructure:"recovery"`
	Feeder         FeederConfig    `mapstructure:"feeder"`
	Executor       ExecutorConfig  `mapstructure:"executor"`
	Risk           RiskConfig      `mapstructure:"risk"`
	Predictor      PredictorConfig `mapstructure:"predictor"`
	Paths          PathsConfig     `mapstructure:"paths"`
	Server         ServerConfig    `mapstructure:"server"`
}

// EngineDefaults configures each per-symbol trading engine.
type EngineDefaults struct {
	CycleIntervalSec    float64 `mapstructure:"cycle_interval_sec"`
	QueueCapacity       int     `mapstructure:"queue_capacity"`
	ErrorSpikeThreshold int     `mapstructure:"error_spike_threshold"`
	BaseEquityUSD       float64 `mapstructure:"base_equity_usd"`
}

// CycleInterval returns the engine cycle interval as a duration.
func (e EngineDefaults) CycleInterval() time.Duration {
	return secs(e.CycleIntervalSec)
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	CheckIntervalSec    float64 `mapstructure:"check_interval_sec"`
	HeartbeatTimeoutSec float64 `mapstructure:"heartbeat_timeout_sec"`
}

// CheckInterval returns the monitor cycle period.
func (h HealthConfig) CheckInterval() time.Duration { return secs(h.CheckIntervalSec) }

// HeartbeatTimeout returns the stale-heartbeat threshold.
func (h HealthConfig) HeartbeatTimeout() time.Duration { return secs(h.HeartbeatTimeoutSec) }

// RecoveryConfig bounds automated engine restarts.
type RecoveryConfig struct {
	MaxRestartsPerHour int     `mapstructure:"max_restarts_per_hour"`
	BackoffBaseSec     float64 `mapstructure:"backoff_base_sec"`
}

// BackoffBase returns the restart backoff base as a duration.
func (r RecoveryConfig) BackoffBase() time.Duration { return secs(r.BackoffBaseSec) }

// FeederConfig configures the market feeder reconnect protocol.
type FeederConfig struct {
	ReconnectBaseSec float64 `mapstructure:"reconnect_base_sec"`
	ReconnectCapSec  float64 `mapstructure:"reconnect_cap_sec"`
	StableWindowSec  float64 `mapstructure:"stable_window_sec"`
	BootstrapBars    int     `mapstructure:"bootstrap_bars"`
}

// ReconnectBase returns the reconnect backoff base.
func (f FeederConfig) ReconnectBase() time.Duration { return secs(f.ReconnectBaseSec) }

// ReconnectCap returns the reconnect backoff ceiling.
func (f FeederConfig) ReconnectCap() time.Duration { return secs(f.ReconnectCapSec) }

// StableWindow returns the stable-delivery window that resets the attempt counter.
func (f FeederConfig) StableWindow() time.Duration { return secs(f.StableWindowSec) }

// ExecutorConfig configures order submission.
type ExecutorConfig struct {
	RateRPS          float64 `mapstructure:"rate_rps"`
	ExposureLimitUSD float64 `mapstructure:"exposure_limit_usd"`
	BrokerTimeoutSec float64 `mapstructure:"broker_timeout_sec"`
	CoarseWindowMs   int64   `mapstructure:"coarse_window_ms"`
}

// BrokerTimeout returns the broker call timeout.
func (e ExecutorConfig) BrokerTimeout() time.Duration { return secs(e.BrokerTimeoutSec) }

// RiskConfig wraps the risk policy.
type RiskConfig struct {
	Policy PolicyConfig `mapstructure:"policy"`
}

// PolicyConfig is the portfolio risk policy.
type PolicyConfig struct {
	MaxDailyLossPct        float64 `mapstructure:"max_daily_loss_pct"`
	MaxSymbolRiskPct       float64 `mapstructure:"max_symbol_risk_pct"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	VolTargetAnnual        float64 `mapstructure:"vol_target_annual"`
	KellyCoeff             float64 `mapstructure:"kelly_coeff"`
	MinNotionalUSD         float64 `mapstructure:"min_notional_usd"`
	MaxNotionalUSD         float64 `mapstructure:"max_notional_usd"`
}

// PredictorConfig configures the ensemble predictor.
type PredictorConfig struct {
	Weights        WeightsConfig `mapstructure:"weights"`
	ThresholdEntry float64       `mapstructure:"threshold_entry"`
}

// WeightsConfig are the ensemble blend weights; they must sum to 1.
type WeightsConfig struct {
	Tabular   float64 `mapstructure:"tabular"`
	Sequence  float64 `mapstructure:"sequence"`
	Auxiliary float64 `mapstructure:"auxiliary"`
}

// PathsConfig locates model artifacts and persistent state.
type PathsConfig struct {
	ModelTabular  string `mapstructure:"model_tabular"`
	ModelSequence string `mapstructure:"model_sequence"`
	Registry      string `mapstructure:"registry"`
	LogsDir       string `mapstructure:"logs_dir"`
}

// ServerConfig configures the operator control server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Load reads configuration from the given file (optional) with environment
// overrides (prefix TRADING, dots and dashes mapped to underscores) and
// defaults applied for every recognized key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every key at its default value.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbols_to_trade", []string{})

	v.SetDefault("engine_defaults.cycle_interval_sec", 1.0)
	v.SetDefault("engine_defaults.queue_capacity", 128)
	v.SetDefault("engine_defaults.error_spike_threshold", 10)
	v.SetDefault("engine_defaults.base_equity_usd", 10000.0)

	v.SetDefault("health.check_interval_sec", 30.0)
	v.SetDefault("health.heartbeat_timeout_sec", 60.0)

	v.SetDefault("recovery.max_restarts_per_hour", 5)
	v.SetDefault("recovery.backoff_base_sec", 60.0)

	v.SetDefault("feeder.reconnect_base_sec", 1.0)
	v.SetDefault("feeder.reconnect_cap_sec", 30.0)
	v.SetDefault("feeder.stable_window_sec", 60.0)
	v.SetDefault("feeder.bootstrap_bars", 1500)

	v.SetDefault("executor.rate_rps", 5.0)
	v.SetDefault("executor.exposure_limit_usd", 5000.0)
	v.SetDefault("executor.broker_timeout_sec", 10.0)
	v.SetDefault("executor.coarse_window_ms", 1000)

	v.SetDefault("risk.policy.max_daily_loss_pct", 3.0)
	v.SetDefault("risk.policy.max_symbol_risk_pct", 0.20)
	v.SetDefault("risk.policy.max_concurrent_positions", 5)
	v.SetDefault("risk.policy.vol_target_annual", 0.15)
	v.SetDefault("risk.policy.kelly_coeff", 0.25)
	v.SetDefault("risk.policy.min_notional_usd", 5.0)
	v.SetDefault("risk.policy.max_notional_usd", 250.0)

	v.SetDefault("predictor.weights.tabular", 0.5)
	v.SetDefault("predictor.weights.sequence", 0.3)
	v.SetDefault("predictor.weights.auxiliary", 0.2)
	v.SetDefault("predictor.threshold_entry", 0.55)

	v.SetDefault("paths.model_tabular", "./models/tabular.json")
	v.SetDefault("paths.model_sequence", "./models/sequence.json")
	v.SetDefault("paths.registry", "./state/registry.json")
	v.SetDefault("paths.logs_dir", "./logs")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	w := c.Predictor.Weights
	sum := w.Tabular + w.Sequence + w.Auxiliary
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("predictor weights must sum to 1, got %.4f", sum)
	}
	if c.Predictor.ThresholdEntry <= 0.5 || c.Predictor.ThresholdEntry >= 1 {
		return fmt.Errorf("predictor threshold_entry must be in (0.5, 1), got %v", c.Predictor.ThresholdEntry)
	}
	if c.EngineDefaults.QueueCapacity <= 0 {
		return fmt.Errorf("engine_defaults.queue_capacity must be positive")
	}
	if c.Executor.RateRPS <= 0 {
		return fmt.Errorf("executor.rate_rps must be positive")
	}
	if c.Risk.Policy.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.policy.max_concurrent_positions must be positive")
	}
	return nil
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
