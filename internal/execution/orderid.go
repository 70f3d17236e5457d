package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// ClientOrderID derives a deterministic 20-hex-char identifier from the order
// coordinates and a coarse time bucket. A retry of the same order inside the
// same bucket produces the same ID, so the broker's client-ID dedup absorbs
// double submissions.
func ClientOrderID(symbol string, side types.OrderSide, quantity decimal.Decimal, nowMs, coarseWindowMs int64) string {
	if coarseWindowMs <= 0 {
		coarseWindowMs = 1000
	}
	bucket := nowMs / coarseWindowMs
	payload := fmt.Sprintf("%s|%s|%s|%d", symbol, side, quantity.String(), bucket)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:20]
}
