package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/config"
)

// RecoveryPolicy authorizes automated restarts with a rolling one-hour
// ledger per symbol and exponential backoff between grants.
type RecoveryPolicy struct {
	logger *zap.Logger
	config config.RecoveryConfig

	mu     sync.Mutex
	ledger map[string][]time.Time
	now    func() time.Time
}

// NewRecoveryPolicy creates a policy with an empty ledger.
func NewRecoveryPolicy(logger *zap.Logger, cfg config.RecoveryConfig) *RecoveryPolicy {
	return &RecoveryPolicy{
		logger: logger.Named("recovery"),
		config: cfg,
		ledger: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// ShouldRecover decides whether an automated restart of symbol is allowed
// right now. A grant is recorded in the ledger; denials are not. Entries
// older than one hour are purged lazily on each call.
func (p *RecoveryPolicy) ShouldRecover(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	entries := purge(p.ledger[symbol], now)
	p.ledger[symbol] = entries

	maxPerHour := p.config.MaxRestartsPerHour
	if maxPerHour <= 0 {
		maxPerHour = 5
	}
	if len(entries) >= maxPerHour {
		p.logger.Warn("Restart denied, hourly budget exhausted",
			zap.String("symbol", symbol),
			zap.Int("restartsLastHour", len(entries)))
		return false
	}

	if n := len(entries); n > 0 {
		minWait := p.config.BackoffBase() << uint(n-1)
		if since := now.Sub(entries[n-1]); since < minWait {
			p.logger.Info("Restart denied, in backoff",
				zap.String("symbol", symbol),
				zap.Duration("sinceLast", since),
				zap.Duration("minWait", minWait))
			return false
		}
	}

	p.ledger[symbol] = append(entries, now)
	return true
}

// Reset clears a symbol's ledger. Operator use.
func (p *RecoveryPolicy) Reset(symbol string) {
	p.mu.Lock()
	delete(p.ledger, symbol)
	p.mu.Unlock()
	p.logger.Info("Recovery ledger reset", zap.String("symbol", symbol))
}

// RestartsLastHour reports the symbol's current ledger depth.
func (p *RecoveryPolicy) RestartsLastHour(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(purge(p.ledger[symbol], p.now()))
}

func purge(entries []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	for i, t := range entries {
		if t.After(cutoff) {
			return entries[i:]
		}
	}
	return nil
}
