// Package queue provides the bounded per-symbol channel between the market
// feeder and a trading engine.
package queue

import (
	"sync/atomic"
	"time"

	"github.com/marketgrid/trading-engine/internal/metrics"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// PushResult reports the outcome of a Push.
type PushResult int

const (
	// PushAccepted means the record was enqueued with space to spare.
	PushAccepted PushResult = iota
	// PushDisplacedOne means the oldest record was dropped to make room.
	PushDisplacedOne
)

// DefaultCapacity is the bound applied when none is configured.
const DefaultCapacity = 128

// DefaultPopTimeout bounds a consumer wait when no timeout is given.
const DefaultPopTimeout = time.Second

// SymbolQueue is a bounded single-producer/single-consumer queue of market
// data. The feeder's dispatcher owns the write side; the owning engine owns
// the read side. Under load the newest data wins: a full queue displaces its
// head rather than blocking the producer.
type SymbolQueue struct {
	symbol string
	ch     chan types.MarketData
	drops  atomic.Int64
}

// New creates a queue for one symbol. capacity <= 0 selects DefaultCapacity.
func New(symbol string, capacity int) *SymbolQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SymbolQueue{
		symbol: symbol,
		ch:     make(chan types.MarketData, capacity),
	}
}

// Push enqueues a record without ever blocking. If the queue is full, the
// oldest record is removed first and PushDisplacedOne is returned.
func (q *SymbolQueue) Push(md types.MarketData) PushResult {
	select {
	case q.ch <- md:
		return PushAccepted
	default:
	}

	// Full: drop the head. The consumer may race us and pop it first, in
	// which case the retry below simply finds room.
	select {
	case <-q.ch:
	default:
	}
	q.drops.Add(1)
	metrics.RecordQueueDrop(q.symbol)

	select {
	case q.ch <- md:
	default:
		// Unreachable with a single producer; the eviction above freed a slot.
	}
	return PushDisplacedOne
}

// Pop waits up to timeout for a record. ok is false on timeout.
// timeout <= 0 selects DefaultPopTimeout.
func (q *SymbolQueue) Pop(timeout time.Duration) (md types.MarketData, ok bool) {
	if timeout <= 0 {
		timeout = DefaultPopTimeout
	}
	select {
	case md = <-q.ch:
		return md, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case md = <-q.ch:
		return md, true
	case <-timer.C:
		return types.MarketData{}, false
	}
}

// Symbol returns the symbol this queue carries.
func (q *SymbolQueue) Symbol() string { return q.symbol }

// Len returns the current number of queued records.
func (q *SymbolQueue) Len() int { return len(q.ch) }

// Cap returns the configured bound.
func (q *SymbolQueue) Cap() int { return cap(q.ch) }

// Drops returns the cumulative displaced-record count.
func (q *SymbolQueue) Drops() int64 { return q.drops.Load() }
