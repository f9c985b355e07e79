// Package alerts implements the alert layer: classification, windowed
// deduplication, persistence, and the background dispatcher.
package alerts

import "time"

// Kind identifies the logical event class of an alert
type Kind string

const (
	KindGridCreated           Kind = "GRID_CREATED"
	KindGridCompleted         Kind = "GRID_COMPLETED"
	KindGridRebalanced        Kind = "GRID_REBALANCED"
	KindOrderFilled           Kind = "ORDER_FILLED"
	KindProfitMilestone       Kind = "PROFIT_MILESTONE"
	KindPriceNearBoundary     Kind = "PRICE_NEAR_BOUNDARY"
	KindPriceAboveRange       Kind = "PRICE_ABOVE_RANGE"
	KindPriceBelowRange       Kind = "PRICE_BELOW_RANGE"
	KindRebalanceSuggested    Kind = "REBALANCE_SUGGESTED"
	KindMarketDataGap         Kind = "MARKET_DATA_GAP"
	KindInsufficientCash      Kind = "INSUFFICIENT_CASH"
	KindInsufficientHolding   Kind = "INSUFFICIENT_HOLDING"
	KindOverBoundaryInventory Kind = "OVER_BOUNDARY_INVENTORY"
)

// Severity levels. CRITICAL bypasses dedup; WARN and INFO respect windows.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// Dispatch states for the background dispatcher
const (
	DispatchPending    = "PENDING"
	DispatchDone       = "DISPATCHED"
	DispatchFailed     = "DISPATCH_FAILED"
	DispatchSuppressed = "SUPPRESSED"
)

// Alert is a persisted alert record. Immutable after creation aside from
// dispatch bookkeeping.
type Alert struct {
	ID               string                 `json:"id"`
	Kind             Kind                   `json:"kind"`
	Severity         Severity               `json:"severity"`
	GridID           string                 `json:"grid_id,omitempty"`
	Symbol           string                 `json:"symbol,omitempty"`
	Payload          map[string]interface{} `json:"payload"`
	DedupKey         string                 `json:"-"`
	CreatedAt        time.Time              `json:"created_at"`
	DispatchedAt     *time.Time             `json:"dispatched_at,omitempty"`
	DispatchAttempts int                    `json:"dispatch_attempts"`
	DispatchState    string                 `json:"dispatch_state"`
	LastAttemptAt    *time.Time             `json:"-"`
}

// Draft is an alert before dedup and persistence. Bucket feeds the dedup key
// (see dedup.go for the per-kind bucket rules).
type Draft struct {
	Kind     Kind
	Severity Severity
	GridID   string
	Symbol   string
	Payload  map[string]interface{}
	Bucket   string
}

// Sink is the write side of the alert layer, consumed by the planner, the
// execution engine, and the monitor.
type Sink interface {
	// Emit deduplicates, persists, and publishes the draft. Returns false
	// when the alert was suppressed by the dedup window.
	Emit(d Draft) (bool, error)
}
