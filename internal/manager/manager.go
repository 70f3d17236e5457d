// Package manager owns the lifecycle of every component: feeder, engines,
// risk, execution, monitoring. It is the single control surface the operator
// API talks to.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketgrid/trading-engine/internal/broker"
	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/engine"
	"github.com/marketgrid/trading-engine/internal/execution"
	"github.com/marketgrid/trading-engine/internal/feeder"
	"github.com/marketgrid/trading-engine/internal/monitor"
	"github.com/marketgrid/trading-engine/internal/predictor"
	"github.com/marketgrid/trading-engine/internal/queue"
	"github.com/marketgrid/trading-engine/internal/registry"
	"github.com/marketgrid/trading-engine/internal/risk"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// restartGap separates the stop and start halves of a restart so the queue
// and broker settle.
const restartGap = time.Second

// defaultStopTimeout bounds each engine stop when none is given.
const defaultStopTimeout = 10 * time.Second

// StatusSummary aggregates live engine health for the operator surface.
type StatusSummary struct {
	Total   int                  `json:"total"`
	Running int                  `json:"running"`
	Crashed int                  `json:"crashed"`
	Stopped int                  `json:"stopped"`
	Engines []types.EngineHealth `json:"engines"`
}

// Manager wires and supervises the whole trading core.
type Manager struct {
	logger    *zap.Logger
	config    *config.Config
	feeder    *feeder.Feeder
	risk      *risk.Manager
	executor  *execution.Executor
	predictor *predictor.Predictor
	registry  *registry.Registry
	recovery  *monitor.RecoveryPolicy
	monitor   *monitor.HealthMonitor

	mu      sync.RWMutex
	engines map[string]*engine.Engine
	queues  map[string]*queue.SymbolQueue
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph over the given broker. Model artifacts
// are loaded eagerly; a load failure leaves the predictor degraded (engines
// run flat) rather than failing startup.
func New(logger *zap.Logger, cfg *config.Config, brk broker.Broker) (*Manager, error) {
	reg, err := registry.New(logger, cfg.Paths.Registry)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	riskMgr := risk.NewManager(logger, cfg.Risk.Policy, cfg.EngineDefaults.BaseEquityUSD)
	exec := execution.NewExecutor(logger, cfg.Executor, riskMgr, brk)
	pred := predictor.New(logger, cfg.Predictor)
	if err := pred.Load(cfg.Paths.ModelTabular, cfg.Paths.ModelSequence); err != nil {
		logger.Warn("Model load failed, predictor degraded", zap.Error(err))
	}

	m := &Manager{
		logger:    logger.Named("manager"),
		config:    cfg,
		feeder:    feeder.New(logger, cfg.Feeder, brk, brk),
		risk:      riskMgr,
		executor:  exec,
		predictor: pred,
		registry:  reg,
		recovery:  monitor.NewRecoveryPolicy(logger, cfg.Recovery),
		engines:   make(map[string]*engine.Engine),
		queues:    make(map[string]*queue.SymbolQueue),
	}
	m.monitor = monitor.New(logger, cfg.Health, cfg.EngineDefaults.ErrorSpikeThreshold, m, m.recovery)
	return m, nil
}

// StartAll brings up every configured symbol, then the feeder dispatcher,
// the health monitor, and the daily reset scheduler. Idempotent per symbol.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	runCtx := m.ctx
	m.mu.Unlock()

	var failed []string
	for _, symbol := range m.config.SymbolsToTrade {
		if err := m.StartEngine(symbol); err != nil {
			m.logger.Error("Engine failed to start",
				zap.String("symbol", symbol), zap.Error(err))
			failed = append(failed, symbol)
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.feeder.Run(runCtx, m.dispatch)
	}()

	m.monitor.Start(runCtx)

	m.wg.Add(1)
	go m.runDailyReset(runCtx)

	m.logger.Info("Platform started",
		zap.Int("symbols", len(m.config.SymbolsToTrade)),
		zap.Strings("failed", failed))
	if len(failed) == len(m.config.SymbolsToTrade) && len(failed) > 0 {
		return fmt.Errorf("no engine started (%d failed)", len(failed))
	}
	return nil
}

// StopAll shuts down in reverse order: monitor first, then the feeder, then
// every engine concurrently, then a final registry flush.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	engines := make([]*engine.Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	m.monitor.Stop()
	m.feeder.Close()

	var g errgroup.Group
	for _, e := range engines {
		e := e
		g.Go(func() error {
			return e.Stop(timeout)
		})
	}
	err := g.Wait()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.registry.Flush()
	m.logger.Info("Platform stopped")
	return err
}

// StartEngine starts one symbol's engine, creating it (and its queue) on
// first use. Unknown symbols are rejected. Starting a running engine is a
// no-op returning success.
func (m *Manager) StartEngine(symbol string) error {
	m.mu.Lock()
	eng, ok := m.engines[symbol]
	if !ok {
		if !m.configured(symbol) {
			m.mu.Unlock()
			return fmt.Errorf("unknown symbol %q", symbol)
		}
		q := queue.New(symbol, m.config.EngineDefaults.QueueCapacity)
		eng = engine.New(m.logger, symbol, m.config.EngineDefaults, q,
			m.predictor, m.risk, m.executor, m.feeder, m.registry,
			m.config.Paths.LogsDir)
		m.engines[symbol] = eng
		m.queues[symbol] = q
		m.registry.Register(symbol, eng.Health())
	}
	ctx := m.ctx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	return eng.Start(ctx)
}

// StopEngine stops one symbol's engine.
func (m *Manager) StopEngine(symbol string, timeout time.Duration) error {
	m.mu.RLock()
	eng, ok := m.engines[symbol]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown symbol %q", symbol)
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	return eng.Stop(timeout)
}

// RestartEngine stops then starts one engine with a short settling gap.
// Recovery budgeting is the caller's concern: the health monitor consults
// the RecoveryPolicy first, operator restarts are always honored.
func (m *Manager) RestartEngine(symbol string) error {
	if err := m.StopEngine(symbol, defaultStopTimeout); err != nil {
		return err
	}
	time.Sleep(restartGap)
	return m.StartEngine(symbol)
}

// Status synthesizes the operator view from live engine health.
func (m *Manager) Status() StatusSummary {
	healths := m.EngineHealths()
	s := StatusSummary{Total: len(healths), Engines: healths}
	for _, h := range healths {
		switch h.State {
		case types.EngineRunning, types.EngineStarting:
			s.Running++
		case types.EngineCrashed:
			s.Crashed++
		default:
			s.Stopped++
		}
	}
	return s
}

// EngineHealth returns one engine's live snapshot.
func (m *Manager) EngineHealth(symbol string) (types.EngineHealth, bool) {
	m.mu.RLock()
	eng, ok := m.engines[symbol]
	m.mu.RUnlock()
	if !ok {
		return types.EngineHealth{}, false
	}
	return eng.Health(), true
}

// EngineHealths returns live snapshots for every engine.
func (m *Manager) EngineHealths() []types.EngineHealth {
	m.mu.RLock()
	engines := make([]*engine.Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	out := make([]types.EngineHealth, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Health())
	}
	return out
}

// Risk exposes the shared risk manager for the operator surface.
func (m *Manager) Risk() *risk.Manager { return m.risk }

// Executor exposes the shared executor for the operator surface.
func (m *Manager) Executor() *execution.Executor { return m.executor }

// Recovery exposes the restart policy for operator ledger resets.
func (m *Manager) Recovery() *monitor.RecoveryPolicy { return m.recovery }

// dispatch routes one tick to its symbol's queue. Ticks for symbols without
// an engine are dropped silently; the feeder may stream a superset.
func (m *Manager) dispatch(md types.MarketData) {
	m.mu.RLock()
	q, ok := m.queues[md.Symbol]
	m.mu.RUnlock()
	if ok {
		q.Push(md)
	}
}

// runDailyReset fires RiskManager.ResetDay at every UTC midnight.
func (m *Manager) runDailyReset(ctx context.Context) {
	defer m.wg.Done()
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.logger.Info("Day boundary reached")
			m.risk.ResetDay()
		}
	}
}

func (m *Manager) configured(symbol string) bool {
	for _, s := range m.config.SymbolsToTrade {
		if s == symbol {
			return true
		}
	}
	return false
}
