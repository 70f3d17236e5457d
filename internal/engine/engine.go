// Package engine runs the per-symbol decision loop: consume ticks, build
// features, predict, size, execute.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/execution"
	"github.com/marketgrid/trading-engine/internal/journal"
	"github.com/marketgrid/trading-engine/internal/metrics"
	"github.com/marketgrid/trading-engine/internal/predictor"
	"github.com/marketgrid/trading-engine/internal/queue"
	"github.com/marketgrid/trading-engine/internal/registry"
	"github.com/marketgrid/trading-engine/internal/risk"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// Bootstrapper supplies gap-filled history for a symbol at engine start.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, symbol string) ([]types.Bar, error)
}

// errorBackoffCap bounds the per-error cycle backoff.
const errorBackoffCap = 60 * time.Second

// popTimeout bounds each queue wait so heartbeats keep flowing while idle.
const popTimeout = time.Second

// Engine is one symbol's trading loop. It owns its queue's consumer end, its
// feature window, its journal, and its health snapshot. All trading state
// flows through the shared risk manager and executor.
type Engine struct {
	logger    *zap.Logger
	symbol    string
	config    config.EngineDefaults
	queue     *queue.SymbolQueue
	predictor *predictor.Predictor
	risk      *risk.Manager
	executor  *execution.Executor
	bootstrap Bootstrapper
	registry  *registry.Registry
	logsDir   string

	mu        sync.RWMutex
	state     types.EngineState
	health    types.EngineHealth
	startedAt time.Time
	features  *FeatureBuilder
	journal   *journal.Journal
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped engine for one symbol.
func New(logger *zap.Logger, symbol string, cfg config.EngineDefaults,
	q *queue.SymbolQueue, pred *predictor.Predictor, riskMgr *risk.Manager,
	exec *execution.Executor, boot Bootstrapper, reg *registry.Registry,
	logsDir string) *Engine {
	return &Engine{
		logger:    logger.Named("engine").With(zap.String("symbol", symbol)),
		symbol:    symbol,
		config:    cfg,
		queue:     q,
		predictor: pred,
		risk:      riskMgr,
		executor:  exec,
		bootstrap: boot,
		registry:  reg,
		logsDir:   logsDir,
		state:     types.EngineStopped,
		health:    types.EngineHealth{Symbol: symbol, State: types.EngineStopped},
	}
}

// Symbol returns the engine's symbol.
func (e *Engine) Symbol() string { return e.symbol }

// State returns the current lifecycle state.
func (e *Engine) State() types.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Health returns a point-in-time snapshot of the engine's health.
func (e *Engine) Health() types.EngineHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := e.health
	h.State = e.state
	if e.state == types.EngineRunning || e.state == types.EngineStopping {
		h.UptimeSeconds = time.Since(e.startedAt).Seconds()
	}
	book := e.risk.Summary()
	h.PositionCount = book.PositionsOpen
	h.DailyPnLPct = book.RealizedTodayPct * 100
	return h
}

// ResetErrors zeroes the error counter, for use after a supervised restart.
func (e *Engine) ResetErrors() {
	e.mu.Lock()
	e.health.ErrorCount = 0
	e.health.LastError = ""
	e.mu.Unlock()
}

// Start transitions STOPPED (or CRASHED, under supervision) to RUNNING:
// bootstrap history, open the journal, then launch the loop. Starting a
// running engine is a no-op returning success.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case types.EngineStarting, types.EngineRunning:
		e.mu.Unlock()
		return nil
	case types.EngineStopping:
		e.mu.Unlock()
		return fmt.Errorf("engine %s is stopping", e.symbol)
	}
	e.setStateLocked(types.EngineStarting)
	e.mu.Unlock()

	bars, err := e.bootstrap.Bootstrap(ctx, e.symbol)
	if err != nil {
		e.mu.Lock()
		e.health.LastError = err.Error()
		e.setStateLocked(types.EngineCrashed)
		e.flushHealthLocked()
		e.mu.Unlock()
		return fmt.Errorf("start %s: %w", e.symbol, err)
	}

	jnl, err := journal.Open(e.logsDir, e.symbol)
	if err != nil {
		e.mu.Lock()
		e.health.LastError = err.Error()
		e.setStateLocked(types.EngineCrashed)
		e.flushHealthLocked()
		e.mu.Unlock()
		return fmt.Errorf("start %s: %w", e.symbol, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.state != types.EngineStarting {
		// Stop arrived while we were bootstrapping; honor it instead of
		// launching the loop.
		e.setStateLocked(types.EngineStopped)
		e.flushHealthLocked()
		e.mu.Unlock()
		cancel()
		jnl.Close()
		return nil
	}
	e.features = NewFeatureBuilder(bars)
	e.journal = jnl
	e.cancel = cancel
	e.done = make(chan struct{})
	e.startedAt = time.Now()
	e.health.ErrorCount = 0
	e.health.LastError = ""
	e.setStateLocked(types.EngineRunning)
	e.flushHealthLocked()
	done := e.done
	e.mu.Unlock()

	if e.predictor.Degraded() {
		e.logger.Warn("Predictor degraded, engine will run without signals")
	}
	e.logger.Info("Engine started", zap.Int("windowBars", len(bars)))

	go e.run(runCtx, done)
	return nil
}

// Stop requests a graceful exit and waits up to timeout. If the loop does
// not exit in time the engine is marked STOPPED anyway and a warning logged.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if e.state != types.EngineRunning && e.state != types.EngineStarting {
		e.mu.Unlock()
		return nil
	}
	e.setStateLocked(types.EngineStopping)
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			e.logger.Warn("Engine did not stop within timeout, marking stopped",
				zap.Duration("timeout", timeout))
		}
	}

	e.mu.Lock()
	if e.state == types.EngineStopping {
		e.setStateLocked(types.EngineStopped)
		e.flushHealthLocked()
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer e.cleanup()
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.health.ErrorCount++
			e.health.LastError = fmt.Sprintf("panic: %v", r)
			e.setStateLocked(types.EngineCrashed)
			e.flushHealthLocked()
			e.mu.Unlock()
			metrics.RecordEngineError(e.symbol)
			e.logger.Error("Engine crashed", zap.Any("panic", r))
		}
	}()

	interval := e.config.CycleInterval()
	if interval <= 0 {
		interval = time.Second
	}

	for ctx.Err() == nil {
		e.heartbeat()

		if err := e.cycle(ctx); err != nil {
			count := e.recordError(err)
			backoff := time.Duration(math.Min(math.Pow(2, float64(count)), errorBackoffCap.Seconds())) * time.Second
			e.logger.Warn("Cycle error",
				zap.Int("errorCount", count),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			continue
		}

		if !sleep(ctx, interval) {
			return
		}
	}
}

// cycle is one loop iteration: pop, featurize, predict, size, execute.
func (e *Engine) cycle(ctx context.Context) error {
	md, ok := e.queue.Pop(popTimeout)
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.features.OnTick(md)
	ready := e.features.Ready()
	var feats types.Features
	var annualVol float64
	if ready {
		feats, annualVol = e.features.Snapshot(md)
	}
	e.mu.Unlock()
	if !ready {
		return nil
	}

	pred, err := e.predictor.Predict(feats, md.Sentiment)
	if err != nil {
		// Degraded predictor and malformed features both yield a flat
		// cycle; count it but keep cycling at the normal cadence.
		e.recordError(err)
		return nil
	}
	if pred.Side == types.SideFlat {
		return nil
	}

	sizeUSD := e.risk.PositionSizeUsd(e.symbol, pred.ProbUp, pred.Confidence, annualVol)
	side := types.OrderSideBuy
	if pred.Side == types.SideShort {
		side = types.OrderSideSell
	}
	signal := types.Signal{
		Symbol:      e.symbol,
		Side:        side,
		NotionalUSD: decimal.NewFromFloat(sizeUSD),
		PriceHint:   md.Price,
		GeneratedAt: time.Now(),
	}

	result := e.executor.Execute(ctx, signal)
	e.journalResult(signal, pred, result)
	if result.Err != nil {
		return result.Err
	}
	return nil
}

func (e *Engine) journalResult(signal types.Signal, pred types.Prediction, result execution.ExecutionResult) {
	e.mu.RLock()
	jnl := e.journal
	e.mu.RUnlock()
	if jnl == nil {
		return
	}

	payload := map[string]interface{}{
		"side":        string(signal.Side),
		"notionalUsd": signal.NotionalUSD.String(),
		"priceHint":   signal.PriceHint.String(),
		"probUp":      pred.ProbUp,
		"confidence":  pred.Confidence,
	}
	if result.OK {
		payload["orderId"] = result.OrderID
		payload["clientOrderId"] = result.ClientOrderID
		jnl.Event("info", "order_submitted", payload)
		return
	}
	payload["reason"] = result.Reason
	if result.Err != nil {
		payload["error"] = result.Err.Error()
	}
	jnl.Event("warn", "order_blocked", payload)
}

func (e *Engine) heartbeat() {
	e.mu.Lock()
	e.health.LastHeartbeatUnix = time.Now().Unix()
	e.flushHealthLocked()
	e.mu.Unlock()
}

func (e *Engine) recordError(err error) int {
	metrics.RecordEngineError(e.symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.ErrorCount++
	e.health.LastError = err.Error()
	return e.health.ErrorCount
}

// cleanup runs on every loop exit: settle the lifecycle state, flush the
// final health snapshot to the registry, and close the journal. Resting
// orders are left alone.
func (e *Engine) cleanup() {
	e.mu.Lock()
	if e.journal != nil {
		e.journal.Close()
		e.journal = nil
	}
	// A loop that exits through parent-context cancellation is stopped, not
	// running; panics have already moved the state to CRASHED.
	if e.state == types.EngineRunning || e.state == types.EngineStopping {
		e.setStateLocked(types.EngineStopped)
	}
	e.flushHealthLocked()
	e.mu.Unlock()
	e.logger.Info("Engine loop exited")
}

// setStateLocked updates the state and its gauge; callers hold e.mu.
func (e *Engine) setStateLocked(next types.EngineState) {
	if e.state == next {
		return
	}
	metrics.SetEngineState(e.symbol, string(e.state), false)
	metrics.SetEngineState(e.symbol, string(next), true)
	e.state = next
	e.health.State = next
}

// flushHealthLocked mirrors the current health to the registry.
func (e *Engine) flushHealthLocked() {
	if e.registry == nil {
		return
	}
	h := e.health
	h.State = e.state
	if e.state == types.EngineRunning {
		h.UptimeSeconds = time.Since(e.startedAt).Seconds()
	}
	e.registry.Update(e.symbol, h)
}

// sleep waits for d or cancellation; false means the context ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
