package execution

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Portfolio tracks per-symbol open quantity from executed orders so the
// executor can compute current exposure before admitting a new one.
type Portfolio struct {
	mu       sync.Mutex
	quantity map[string]decimal.Decimal
}

// NewPortfolio returns an empty portfolio.
func NewPortfolio() *Portfolio {
	return &Portfolio{quantity: make(map[string]decimal.Decimal)}
}

// AddFill records an executed quantity for a symbol. Sell quantities are
// recorded negative so longs and shorts net out.
func (p *Portfolio) AddFill(symbol string, quantity decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quantity[symbol] = p.quantity[symbol].Add(quantity)
}

// ExposureNotional marks the symbol's net open quantity to the given price.
func (p *Portfolio) ExposureNotional(symbol string, price decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quantity[symbol].Abs().Mul(price)
}

// Release clears the tracked quantity for a symbol, for use when a position
// is reported closed.
func (p *Portfolio) Release(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.quantity, symbol)
}
