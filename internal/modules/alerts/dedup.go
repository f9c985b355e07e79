package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// DedupKey derives the deterministic key that identifies an alert's logical
// event class: hash(kind | grid_id | bucket).
func DedupKey(kind Kind, gridID, bucket string) string {
	h := sha256.Sum256([]byte(string(kind) + "|" + gridID + "|" + bucket))
	return hex.EncodeToString(h[:])
}

// LevelBucket buckets level-scoped alerts (ORDER_FILLED): each level fill is
// its own event class.
func LevelBucket(levelIndex int) string {
	return fmt.Sprintf("level:%d", levelIndex)
}

// BoundaryBucket buckets boundary alerts by floor(price / buffer), so the
// same breach does not re-alert while the price sits in one buffer-sized band.
func BoundaryBucket(price, buffer decimal.Decimal) string {
	if buffer.IsZero() {
		return "band:0"
	}
	return "band:" + price.Div(buffer).Floor().String()
}

// MilestoneBucket buckets profit milestones by floor(cumulative / step)
func MilestoneBucket(cumulativeProfit, step decimal.Decimal) string {
	if step.IsZero() {
		return "milestone:0"
	}
	return "milestone:" + step.String() + ":" + cumulativeProfit.Div(step).Floor().String()
}

// SymbolBucket buckets symbol-scoped alerts (MARKET_DATA_GAP)
func SymbolBucket(symbol string) string {
	return "symbol:" + symbol
}
