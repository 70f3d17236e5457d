// Package execution turns signals into broker orders behind a kill-switch,
// an exposure limit, a rate limiter, and idempotent client order IDs.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marketgrid/trading-engine/internal/broker"
	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/metrics"
	"github.com/marketgrid/trading-engine/internal/risk"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// Block reasons reported in ExecutionResult.Reason.
const (
	ReasonKillSwitch    = "kill_switch"
	ReasonRiskBlock     = "risk_block"
	ReasonExposureLimit = "exposure_limit"
	ReasonBrokerError   = "broker_error"
	ReasonCancelled     = "cancelled"
)

// Kill-switch engagement reasons set by the executor itself.
const (
	KillReasonGlobalStop    = "global_stop"
	KillReasonExposureLimit = "exposure_limit"
)

// ExecutionResult reports the outcome of one Execute call.
type ExecutionResult struct {
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	Err           error  `json:"-"`
}

// Executor is the single order submission path shared by all engines.
type Executor struct {
	logger    *zap.Logger
	config    config.ExecutorConfig
	risk      *risk.Manager
	placer    broker.OrderPlacer
	portfolio *Portfolio
	limiter   *rate.Limiter

	mu         sync.Mutex
	killed     bool
	killReason string
}

// NewExecutor creates an executor over the given order placer. The rate
// limiter admits config.RateRPS submissions per second with a burst of one,
// so submissions are spaced at least 1/rate_rps apart.
func NewExecutor(logger *zap.Logger, cfg config.ExecutorConfig, riskMgr *risk.Manager, placer broker.OrderPlacer) *Executor {
	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 5
	}
	return &Executor{
		logger:    logger.Named("executor"),
		config:    cfg,
		risk:      riskMgr,
		placer:    placer,
		portfolio: NewPortfolio(),
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Execute runs the admission pipeline for one signal: kill-switch gate, risk
// re-check, exposure limit, rate limit, then broker submission under the
// configured timeout. The global-stop latch auto-engages the kill-switch, so
// once the daily loss limit trips every call that day reports "kill_switch".
func (e *Executor) Execute(ctx context.Context, signal types.Signal) ExecutionResult {
	if e.risk.GlobalStopEngaged() {
		e.EngageKillSwitch(KillReasonGlobalStop)
	}

	if engaged, reason := e.KillSwitch(); engaged {
		e.logBlock(signal, ReasonKillSwitch, reason)
		return ExecutionResult{Reason: ReasonKillSwitch}
	}

	if !e.risk.CanOpenNewPosition(signal.Symbol) {
		e.logBlock(signal, ReasonRiskBlock, "")
		return ExecutionResult{Reason: ReasonRiskBlock}
	}

	exposure := e.portfolio.ExposureNotional(signal.Symbol, signal.PriceHint)
	limit := decimal.NewFromFloat(e.config.ExposureLimitUSD)
	if exposure.Add(signal.NotionalUSD).GreaterThan(limit) {
		e.EngageKillSwitch(KillReasonExposureLimit)
		e.logBlock(signal, ReasonExposureLimit, "")
		return ExecutionResult{Reason: ReasonExposureLimit}
	}

	// The token bucket always advances, so the only way out of Wait with an
	// error is caller cancellation. No broker call was made.
	if err := e.limiter.Wait(ctx); err != nil {
		e.logBlock(signal, ReasonCancelled, "")
		return ExecutionResult{Reason: ReasonCancelled, Err: err}
	}

	quantity := decimal.Zero
	if signal.PriceHint.IsPositive() {
		quantity = signal.NotionalUSD.Div(signal.PriceHint)
	}
	order := types.Order{
		ClientOrderID: ClientOrderID(signal.Symbol, signal.Side, quantity,
			time.Now().UnixMilli(), e.config.CoarseWindowMs),
		Symbol:    signal.Symbol,
		Side:      signal.Side,
		Quantity:  quantity,
		CreatedAt: time.Now(),
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.config.BrokerTimeout())
	defer cancel()
	orderID, err := e.placer.SubmitOrder(submitCtx, order)
	if err != nil {
		e.logger.Error("Broker submission failed",
			zap.String("symbol", signal.Symbol),
			zap.String("clientOrderId", order.ClientOrderID),
			zap.Error(err))
		metrics.RecordOrderBlocked(signal.Symbol, ReasonBrokerError)
		return ExecutionResult{Reason: ReasonBrokerError, ClientOrderID: order.ClientOrderID, Err: err}
	}

	signedQty := quantity
	if signal.Side == types.OrderSideSell {
		signedQty = quantity.Neg()
	}
	e.portfolio.AddFill(signal.Symbol, signedQty)
	e.risk.OnOrderFilled(signal.Symbol, signal.Side, signal.NotionalUSD, decimal.Zero)
	metrics.RecordOrderSubmitted(signal.Symbol, string(signal.Side))

	e.logger.Info("Order submitted",
		zap.String("symbol", signal.Symbol),
		zap.String("side", string(signal.Side)),
		zap.String("notionalUsd", signal.NotionalUSD.String()),
		zap.String("orderId", orderID),
		zap.String("clientOrderId", order.ClientOrderID))
	return ExecutionResult{OK: true, OrderID: orderID, ClientOrderID: order.ClientOrderID}
}

// EngageKillSwitch latches the kill-switch with a reason. Idempotent; the
// first reason wins until disengaged.
func (e *Executor) EngageKillSwitch(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.killed {
		return
	}
	e.killed = true
	e.killReason = reason
	e.logger.Warn("Kill-switch engaged", zap.String("reason", reason))
}

// DisengageKillSwitch clears the kill-switch. Operator-only; resting orders
// are not cancelled.
func (e *Executor) DisengageKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.killed {
		return
	}
	e.killed = false
	e.killReason = ""
	e.logger.Warn("Kill-switch disengaged")
}

// KillSwitch returns the current engagement state and reason.
func (e *Executor) KillSwitch() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed, e.killReason
}

// Portfolio exposes the exposure tracker, for position-close accounting.
func (e *Executor) Portfolio() *Portfolio {
	return e.portfolio
}

func (e *Executor) logBlock(signal types.Signal, reason, detail string) {
	metrics.RecordOrderBlocked(signal.Symbol, reason)
	fields := []zap.Field{
		zap.String("symbol", signal.Symbol),
		zap.String("side", string(signal.Side)),
		zap.String("reason", reason),
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	e.logger.Info("Order blocked", fields...)
}
