// Package broker defines the abstract exchange capability the engine core
// consumes, plus in-process and remote implementations of it.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// ErrStreamClosed is returned by tick channels' owners when the underlying
// connection is gone; callers reconnect by calling StreamTicks again.
var ErrStreamClosed = errors.New("broker: tick stream closed")

// ErrHistoryUnavailable reports a failed historical bar fetch.
var ErrHistoryUnavailable = errors.New("broker: historical bars unavailable")

// HistorySource fetches recent minute bars for bootstrap.
type HistorySource interface {
	// FetchHistoricalBars returns up to limit most recent bars for the
	// given timeframe, sorted ascending by timestamp. The result may
	// contain gaps; callers gap-fill.
	FetchHistoricalBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error)
}

// TickSource opens the live tick stream. The returned channel is closed when
// the connection fails or the context is cancelled; there is no replay.
type TickSource interface {
	StreamTicks(ctx context.Context) (<-chan types.MarketData, error)
}

// OrderPlacer submits orders. Implementations MUST deduplicate by
// ClientOrderID: a resubmission with an already-seen ID returns the original
// exchange order ID without creating a second order.
type OrderPlacer interface {
	SubmitOrder(ctx context.Context, order types.Order) (orderID string, err error)
}

// AccountReader exposes balances and positions for out-of-core portfolio sync.
type AccountReader interface {
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
}

// Broker is the full exchange capability.
type Broker interface {
	HistorySource
	TickSource
	OrderPlacer
	AccountReader
}
