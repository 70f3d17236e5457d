package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// SimConfig configures the in-process simulated broker.
type SimConfig struct {
	Symbols      []string
	StartPrice   float64
	TickInterval time.Duration
	Seed         int64
	// HistoryGapEvery injects a missing bar every N bars in synthesized
	// history so bootstrap gap-fill is exercised. 0 disables gaps.
	HistoryGapEvery int
}

// DefaultSimConfig returns a paper-trading setup.
func DefaultSimConfig(symbols []string) SimConfig {
	return SimConfig{
		Symbols:      symbols,
		StartPrice:   100.0,
		TickInterval: 250 * time.Millisecond,
		Seed:         time.Now().UnixNano(),
	}
}

// Sim is a deterministic in-process broker used for paper trading and tests.
// Prices follow a seeded random walk. Order submission honors the
// client-order-ID idempotency contract.
type Sim struct {
	logger *zap.Logger
	config SimConfig

	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]float64
	submitted map[string]string // client order id -> exchange order id
	positions map[string]types.Position
	balances  map[string]decimal.Decimal

	// Fault injection for tests.
	historyFailures int
	submitErr       error
}

// NewSim creates a simulated broker.
func NewSim(logger *zap.Logger, config SimConfig) *Sim {
	s := &Sim{
		logger:    logger.Named("sim-broker"),
		config:    config,
		rng:       rand.New(rand.NewSource(config.Seed)),
		prices:    make(map[string]float64),
		submitted: make(map[string]string),
		positions: make(map[string]types.Position),
		balances:  map[string]decimal.Decimal{"USDT": decimal.NewFromInt(100_000)},
	}
	for _, sym := range config.Symbols {
		s.prices[sym] = config.StartPrice
	}
	return s
}

// FetchHistoricalBars synthesizes limit minute bars ending at the current
// minute, walking backwards from the symbol's live price.
func (s *Sim) FetchHistoricalBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyFailures > 0 {
		s.historyFailures--
		return nil, fmt.Errorf("%w: simulated outage for %s", ErrHistoryUnavailable, symbol)
	}

	price, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrHistoryUnavailable, symbol)
	}

	endMs := time.Now().UnixMilli() / types.BarIntervalMs * types.BarIntervalMs
	bars := make([]types.Bar, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		if s.config.HistoryGapEvery > 0 && i%s.config.HistoryGapEvery == s.config.HistoryGapEvery-1 {
			continue
		}
		drift := 1 + 0.001*math.Sin(float64(i)/7)
		open := price * drift
		close := open * (1 + 0.0005*math.Cos(float64(i)/5))
		high := math.Max(open, close) * 1.0004
		low := math.Min(open, close) * 0.9996
		bars = append(bars, types.Bar{
			TimestampMs: endMs - int64(i)*types.BarIntervalMs,
			Open:        decimal.NewFromFloat(open),
			High:        decimal.NewFromFloat(high),
			Low:         decimal.NewFromFloat(low),
			Close:       decimal.NewFromFloat(close),
			Volume:      decimal.NewFromFloat(10 + float64(i%13)),
		})
	}
	return bars, nil
}

// StreamTicks emits a random-walk tick for every symbol each interval until
// the context is cancelled.
func (s *Sim) StreamTicks(ctx context.Context) (<-chan types.MarketData, error) {
	out := make(chan types.MarketData, 64)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.config.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, md := range s.nextTicks() {
					select {
					case out <- md:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func (s *Sim) nextTicks() []types.MarketData {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	ticks := make([]types.MarketData, 0, len(s.prices))
	for _, sym := range s.config.Symbols {
		price := s.prices[sym]
		price *= 1 + 0.0008*s.rng.NormFloat64()
		s.prices[sym] = price

		ticks = append(ticks, types.MarketData{
			Symbol:       sym,
			Price:        decimal.NewFromFloat(price),
			Spread:       decimal.NewFromFloat(price * 0.0002),
			Volume:       decimal.NewFromFloat(1 + s.rng.Float64()*5),
			Timestamp:    now,
			Funding:      0.0001 * s.rng.NormFloat64(),
			OpenInterest: decimal.NewFromFloat(1e6 * (1 + 0.01*s.rng.NormFloat64())),
			Sentiment:    clamp(0.2*s.rng.NormFloat64(), -1, 1),
		})
	}
	return ticks
}

// SubmitOrder fills immediately at the live price. Duplicate client order IDs
// return the original exchange order ID.
func (s *Sim) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitErr != nil {
		return "", s.submitErr
	}

	if existing, ok := s.submitted[order.ClientOrderID]; ok {
		s.logger.Debug("Duplicate client order id, deduplicated",
			zap.String("clientOrderId", order.ClientOrderID),
			zap.String("orderId", existing))
		return existing, nil
	}

	orderID := uuid.New().String()
	s.submitted[order.ClientOrderID] = orderID

	price := decimal.NewFromFloat(s.prices[order.Symbol])
	pos := s.positions[order.Symbol]
	pos.Symbol = order.Symbol
	qty := order.Quantity
	if order.Side == types.OrderSideSell {
		qty = qty.Neg()
	}
	if pos.Quantity.Sign() == 0 || pos.Quantity.Sign() == qty.Sign() {
		// Opening or adding: blend the entry price by quantity.
		oldNotional := pos.Quantity.Abs().Mul(pos.AvgEntryPrice)
		addNotional := order.Quantity.Mul(price)
		total := pos.Quantity.Abs().Add(order.Quantity)
		if !total.IsZero() {
			pos.AvgEntryPrice = oldNotional.Add(addNotional).Div(total)
		}
	}
	pos.Quantity = pos.Quantity.Add(qty)
	if pos.Quantity.IsZero() {
		delete(s.positions, order.Symbol)
	} else {
		s.positions[order.Symbol] = pos
	}

	s.logger.Debug("Order filled",
		zap.String("orderId", orderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()))

	return orderID, nil
}

// GetBalances returns current simulated balances.
func (s *Sim) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out, nil
}

// GetPositions returns current simulated positions.
func (s *Sim) GetPositions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

// SubmittedCount reports how many distinct orders the broker has accepted.
func (s *Sim) SubmittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

// FailNextHistoryFetches makes the next n history fetches fail.
func (s *Sim) FailNextHistoryFetches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyFailures = n
}

// SetSubmitError forces SubmitOrder to fail with err (nil clears).
func (s *Sim) SetSubmitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
