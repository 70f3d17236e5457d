// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Side represents the directional stance of a prediction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideFlat  Side = "FLAT"
)

// OrderStatus represents the status of an order.
// Lifecycle: NEW -> (PARTIAL_FILL)* -> FILLED | REJECTED | CANCELLED.
type OrderStatus string

const (
	OrderStatusNew         OrderStatus = "NEW"
	OrderStatusPartialFill OrderStatus = "PARTIAL_FILL"
	OrderStatusFilled      OrderStatus = "FILLED"
	OrderStatusRejected    OrderStatus = "REJECTED"
	OrderStatusCancelled   OrderStatus = "CANCELLED"
)

// EngineState represents the lifecycle state of a per-symbol trading engine.
type EngineState string

const (
	EngineStopped  EngineState = "STOPPED"
	EngineStarting EngineState = "STARTING"
	EngineRunning  EngineState = "RUNNING"
	EnginePaused   EngineState = "PAUSED"
	EngineCrashed  EngineState = "CRASHED"
	EngineStopping EngineState = "STOPPING"
)

// MarketData is a single normalized tick. Immutable after publication.
type MarketData struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Spread       decimal.Decimal `json:"spread"`
	Volume       decimal.Decimal `json:"volume"`
	Timestamp    time.Time       `json:"timestamp"`
	Funding      float64         `json:"funding"`
	OpenInterest decimal.Decimal `json:"openInterest"`
	// Sentiment is precomputed upstream and carried on the tick; the hot
	// path never fetches it. Range [-1, 1].
	Sentiment float64 `json:"sentiment"`
}

// Bar is one minute-aligned OHLCV aggregate.
type Bar struct {
	TimestampMs int64           `json:"timestampMs"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
}

// BarIntervalMs is the spacing between adjacent bars in a gap-free sequence.
const BarIntervalMs int64 = 60_000

// Features maps feature names to values for predictor input.
type Features map[string]float64

// Prediction is the predictor's output for one feature snapshot.
type Prediction struct {
	ProbUp       float64 `json:"probUp"`
	Confidence   float64 `json:"confidence"`
	Side         Side    `json:"side"`
	SizeFraction float64 `json:"sizeFraction"`
}

// Signal is an engine's decision to trade.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	NotionalUSD decimal.Decimal `json:"notionalUsd"`
	PriceHint   decimal.Decimal `json:"priceHint"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// Order is a broker order submission.
type Order struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Position is the net per-symbol position computed from executed orders.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// EngineHealth is the per-cycle health snapshot published by each engine.
type EngineHealth struct {
	Symbol            string      `json:"symbol"`
	State             EngineState `json:"state"`
	UptimeSeconds     float64     `json:"uptimeSeconds"`
	LastHeartbeatUnix int64       `json:"lastHeartbeatUnix"`
	ErrorCount        int         `json:"errorCount"`
	LastError         string      `json:"lastError,omitempty"`
	PositionCount     int         `json:"positionCount"`
	DailyPnLPct       float64     `json:"dailyPnlPct"`
}

// EquityBook is the risk manager's portfolio accounting state.
type EquityBook struct {
	EquityStartDay    decimal.Decimal `json:"equityStartDay"`
	EquityNow         decimal.Decimal `json:"equityNow"`
	RealizedTodayPct  float64         `json:"realizedTodayPct"`
	PositionsOpen     int             `json:"positionsOpen"`
	GlobalStopEngaged bool            `json:"globalStopEngaged"`
}
