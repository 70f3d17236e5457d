// Package monitor watches engine health snapshots and requests bounded
// recovery for engines that crashed, stalled, or spiked errors.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/metrics"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// Supervisor is the slice of the engine manager the monitor drives. The
// monitor reads snapshots and issues restarts; it never blocks on engines.
type Supervisor interface {
	EngineHealths() []types.EngineHealth
	RestartEngine(symbol string) error
}

// HealthMonitor runs the periodic classification loop.
type HealthMonitor struct {
	logger     *zap.Logger
	config     config.HealthConfig
	spikeLimit int
	supervisor Supervisor
	recovery   *RecoveryPolicy

	// prevErrors holds the error count seen for each symbol on the previous
	// sample, for spike-stall detection.
	prevErrors map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor over the given supervisor and recovery policy.
func New(logger *zap.Logger, cfg config.HealthConfig, spikeLimit int, sup Supervisor, rec *RecoveryPolicy) *HealthMonitor {
	if spikeLimit <= 0 {
		spikeLimit = 10
	}
	return &HealthMonitor{
		logger:     logger.Named("monitor"),
		config:     cfg,
		spikeLimit: spikeLimit,
		supervisor: sup,
		recovery:   rec,
		prevErrors: make(map[string]int),
		done:       make(chan struct{}),
	}
}

// Start launches the check loop. Checks within a cycle are sequential over
// point-in-time snapshots.
func (m *HealthMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	interval := m.config.CheckInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.CheckOnce()
			}
		}
	}()
	m.logger.Info("Health monitor started", zap.Duration("interval", interval))
}

// Stop cancels the loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// CheckOnce runs one classification pass over every engine.
func (m *HealthMonitor) CheckOnce() {
	now := time.Now()
	for _, h := range m.supervisor.EngineHealths() {
		if cause := m.classify(h, now); cause != "" {
			m.requestRecovery(h.Symbol, cause)
		}
	}
}

func (m *HealthMonitor) classify(h types.EngineHealth, now time.Time) string {
	if h.State == types.EngineCrashed {
		return "crashed"
	}
	if h.State != types.EngineRunning {
		m.prevErrors[h.Symbol] = h.ErrorCount
		return ""
	}

	if stale := now.Unix() - h.LastHeartbeatUnix; stale > int64(m.config.HeartbeatTimeout().Seconds()) {
		return "stale_heartbeat"
	}

	prev, seen := m.prevErrors[h.Symbol]
	m.prevErrors[h.Symbol] = h.ErrorCount
	// A spike that stopped growing means the engine is stuck erroring, not
	// in the middle of a burst it may recover from.
	if h.ErrorCount > m.spikeLimit && seen && h.ErrorCount == prev {
		return "error_spike"
	}
	return ""
}

func (m *HealthMonitor) requestRecovery(symbol, cause string) {
	if !m.recovery.ShouldRecover(symbol) {
		m.logger.Warn("Max recoveries reached, operator intervention required",
			zap.String("symbol", symbol),
			zap.String("cause", cause))
		return
	}

	m.logger.Info("Requesting engine restart",
		zap.String("symbol", symbol),
		zap.String("cause", cause))
	metrics.RecordEngineRestart(symbol, "monitor")
	if err := m.supervisor.RestartEngine(symbol); err != nil {
		m.logger.Error("Restart failed",
			zap.String("symbol", symbol),
			zap.Error(err))
	} else {
		delete(m.prevErrors, symbol)
	}
}
