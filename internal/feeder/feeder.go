// Package feeder maintains the single live connection to the exchange and
// fans ticks out to per-symbol queues.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/broker"
	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/metrics"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// ErrBootstrap reports a failed history bootstrap after all attempts.
var ErrBootstrap = errors.New("feeder: bootstrap failed")

const bootstrapAttempts = 3

// Feeder is the sole subscriber to the live tick stream. It bootstraps
// per-symbol history and dispatches each live tick to exactly one consumer
// through the installed callback.
type Feeder struct {
	logger  *zap.Logger
	config  config.FeederConfig
	history broker.HistorySource
	ticks   broker.TickSource

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a feeder over the given history and tick sources.
func New(logger *zap.Logger, cfg config.FeederConfig, history broker.HistorySource, ticks broker.TickSource) *Feeder {
	return &Feeder{
		logger:  logger.Named("feeder"),
		config:  cfg,
		history: history,
		ticks:   ticks,
		done:    make(chan struct{}),
	}
}

// Bootstrap fetches the most recent minute bars for a symbol and gap-fills
// them. The fetch is retried; after three failures the bootstrap fails.
func (f *Feeder) Bootstrap(ctx context.Context, symbol string) ([]types.Bar, error) {
	limit := f.config.BootstrapBars
	if limit <= 0 {
		limit = 1500
	}

	var lastErr error
	for attempt := 1; attempt <= bootstrapAttempts; attempt++ {
		bars, err := f.history.FetchHistoricalBars(ctx, symbol, "1m", limit)
		if err == nil {
			filled := GapFill(bars)
			f.logger.Info("Bootstrapped symbol history",
				zap.String("symbol", symbol),
				zap.Int("fetched", len(bars)),
				zap.Int("afterGapFill", len(filled)))
			return filled, nil
		}
		lastErr = err
		f.logger.Warn("History fetch failed",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < bootstrapAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.backoff(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("%w for %s: %v", ErrBootstrap, symbol, lastErr)
}

// Run opens the live stream and invokes onTick synchronously for every tick.
// onTick must be non-blocking; the installed dispatcher routes to bounded
// queues with drop-oldest semantics. Run returns when ctx is cancelled or
// Close is called. Stream errors trigger reconnection with exponential
// backoff; ticks arriving while disconnected are lost.
func (f *Feeder) Run(ctx context.Context, onTick func(types.MarketData)) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.running = true
	f.mu.Unlock()
	defer close(f.done)
	defer cancel()

	attempt := 0
	for {
		if runCtx.Err() != nil {
			return nil
		}

		stream, err := f.ticks.StreamTicks(runCtx)
		if err != nil {
			attempt++
			wait := f.backoff(attempt)
			f.logger.Warn("Stream connect failed",
				zap.Int("attempt", attempt),
				zap.Duration("retryIn", wait),
				zap.Error(err))
			metrics.RecordFeederReconnect()
			select {
			case <-runCtx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		connectedAt := time.Now()
		delivered := false
		for md := range stream {
			onTick(md)
			metrics.RecordTickDispatched(md.Symbol)
			delivered = true
			if attempt > 0 && time.Since(connectedAt) >= f.config.StableWindow() {
				f.logger.Info("Stream stable, backoff reset",
					zap.Duration("window", f.config.StableWindow()))
				attempt = 0
			}
		}

		if runCtx.Err() != nil {
			return nil
		}

		// Stream closed underneath us; reconnect.
		attempt++
		wait := f.backoff(attempt)
		f.logger.Warn("Stream closed, reconnecting",
			zap.Bool("deliveredSinceConnect", delivered),
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", wait))
		metrics.RecordFeederReconnect()
		select {
		case <-runCtx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Close requests termination of Run and waits for it to drain. A no-op when
// Run was never started.
func (f *Feeder) Close() {
	f.mu.Lock()
	cancel, running := f.cancel, f.running
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if running {
		<-f.done
	}
}

func (f *Feeder) backoff(attempt int) time.Duration {
	base := f.config.ReconnectBase()
	if base <= 0 {
		base = time.Second
	}
	cap := f.config.ReconnectCap()
	if cap <= 0 {
		cap = 30 * time.Second
	}
	wait := base << uint(attempt-1)
	if wait > cap || wait <= 0 {
		wait = cap
	}
	return wait
}
