package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// wireTick is the protocol-agnostic JSON record carried on the feed. Any
// upstream normalizer that emits this shape can drive the engine; there is no
// exchange-specific framing here.
type wireTick struct {
	Symbol       string  `json:"symbol"`
	Price        string  `json:"price"`
	Spread       string  `json:"spread"`
	Volume       string  `json:"volume"`
	TimestampMs  int64   `json:"ts"`
	Funding      float64 `json:"funding"`
	OpenInterest string  `json:"open_interest"`
	Sentiment    float64 `json:"sentiment"`
}

// WSFeed is a TickSource backed by a websocket connection to a normalized
// tick feed. Each StreamTicks call dials a fresh connection; the channel is
// closed on any read error, leaving reconnection policy to the feeder.
type WSFeed struct {
	logger *zap.Logger
	url    string
	dialer *websocket.Dialer
}

// NewWSFeed creates a feed client for the given websocket URL.
func NewWSFeed(logger *zap.Logger, url string) *WSFeed {
	return &WSFeed{
		logger: logger.Named("ws-feed"),
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// StreamTicks dials the feed and decodes ticks until the connection drops or
// ctx is cancelled.
func (f *WSFeed) StreamTicks(ctx context.Context) (<-chan types.MarketData, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan types.MarketData, 64)

	// Unblock the read loop on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer conn.Close()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("Feed read error", zap.Error(err))
				}
				return
			}

			var wt wireTick
			if err := json.Unmarshal(payload, &wt); err != nil {
				f.logger.Warn("Malformed tick dropped", zap.Error(err))
				continue
			}
			md, ok := wt.toMarketData()
			if !ok {
				f.logger.Warn("Unparseable tick dropped", zap.String("symbol", wt.Symbol))
				continue
			}

			select {
			case out <- md:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (wt wireTick) toMarketData() (types.MarketData, bool) {
	if wt.Symbol == "" {
		return types.MarketData{}, false
	}
	price, err := decimal.NewFromString(wt.Price)
	if err != nil {
		return types.MarketData{}, false
	}
	spread, _ := decimal.NewFromString(wt.Spread)
	volume, _ := decimal.NewFromString(wt.Volume)
	oi, _ := decimal.NewFromString(wt.OpenInterest)

	ts := time.Now()
	if wt.TimestampMs > 0 {
		ts = time.UnixMilli(wt.TimestampMs)
	}

	return types.MarketData{
		Symbol:       wt.Symbol,
		Price:        price,
		Spread:       spread,
		Volume:       volume,
		Timestamp:    ts,
		Funding:      wt.Funding,
		OpenInterest: oi,
		Sentiment:    clamp(wt.Sentiment, -1, 1),
	}, true
}
