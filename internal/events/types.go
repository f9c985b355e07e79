// Package events provides event management functionality.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	AlertCreated    EventType = "ALERT_CREATED"
	OrderFilled     EventType = "ORDER_FILLED"
	GridCreated     EventType = "GRID_CREATED"
	GridDeleted     EventType = "GRID_DELETED"
	GridRebalanced  EventType = "GRID_REBALANCED"
	PricesRefreshed EventType = "PRICES_REFRESHED"
	CashUpdated     EventType = "CASH_UPDATED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
