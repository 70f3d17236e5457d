package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// BreakerSettings tune the circuit breaker around broker calls.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings returns conservative trip thresholds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  2,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// CircuitBreakerBroker wraps a Broker so that sustained submission or history
// failures fail fast instead of hammering a sick exchange. Tick streaming and
// account reads pass through untouched; they have their own retry paths.
type CircuitBreakerBroker struct {
	inner         Broker
	submitBreaker *gobreaker.CircuitBreaker
	fetchBreaker  *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps inner with independent breakers for order
// submission and history fetches.
func NewCircuitBreakerBroker(logger *zap.Logger, inner Broker, settings BreakerSettings) *CircuitBreakerBroker {
	log := logger.Named("broker-breaker")
	mk := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: settings.MaxRequests,
			Interval:    settings.Interval,
			Timeout:     settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < settings.MinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= settings.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return &CircuitBreakerBroker{
		inner:         inner,
		submitBreaker: mk("broker-submit"),
		fetchBreaker:  mk("broker-history"),
	}
}

// FetchHistoricalBars delegates through the history breaker.
func (b *CircuitBreakerBroker) FetchHistoricalBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
	res, err := b.fetchBreaker.Execute(func() (interface{}, error) {
		return b.inner.FetchHistoricalBars(ctx, symbol, timeframe, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([]types.Bar), nil
}

// StreamTicks delegates directly; the feeder owns stream retry.
func (b *CircuitBreakerBroker) StreamTicks(ctx context.Context) (<-chan types.MarketData, error) {
	return b.inner.StreamTicks(ctx)
}

// SubmitOrder delegates through the submission breaker.
func (b *CircuitBreakerBroker) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	res, err := b.submitBreaker.Execute(func() (interface{}, error) {
		return b.inner.SubmitOrder(ctx, order)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// GetBalances delegates directly.
func (b *CircuitBreakerBroker) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return b.inner.GetBalances(ctx)
}

// GetPositions delegates directly.
func (b *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]types.Position, error) {
	return b.inner.GetPositions(ctx)
}
