// Package events implements the asynchronous publish/subscribe dispatcher of
// the coordination core: a closed set of domain event kinds delivered by a
// bounded worker pool draining priority-ordered queues.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed enum of domain event kinds. Handler registration is
// checked for exhaustiveness at startup, so an unregistered kind is a wiring
// bug, not a silent no-op delivery.
type Kind string

const (
	OrderPlaced           Kind = "ORDER_PLACED"
	OrderFilled           Kind = "ORDER_FILLED"
	OrderCancelled        Kind = "ORDER_CANCELLED"
	PortfolioUpdated      Kind = "PORTFOLIO_UPDATED"
	TradeExecuted         Kind = "TRADE_EXECUTED"
	PositionClosed        Kind = "POSITION_CLOSED"
	StrategyPaused        Kind = "STRATEGY_PAUSED"
	RiskViolation         Kind = "RISK_VIOLATION"
	TransactionFailed     Kind = "TRANSACTION_FAILED"
	EmergencyStopExecuted Kind = "EMERGENCY_STOP_EXECUTED"
)

// AllKinds lists every event kind, for exhaustive registration checks.
func AllKinds() []Kind {
	return []Kind{
		OrderPlaced,
		OrderFilled,
		OrderCancelled,
		PortfolioUpdated,
		TradeExecuted,
		PositionClosed,
		StrategyPaused,
		RiskViolation,
		TransactionFailed,
		EmergencyStopExecuted,
	}
}

// Priority orders delivery. CRITICAL queues are always drained first;
// starvation of lower priorities is acceptable because CRITICAL volume is
// expected to be low.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Event is a typed notification of a state change. Immutable; consumed
// at-least-once by subscribed handlers.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Kind          Kind            `json:"kind"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TransactionID uuid.UUID       `json:"transaction_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// New builds an event with the payload marshalled to JSON. Marshal failures
// produce an event with an empty payload; the payload types are all plain
// structs so this does not happen in practice.
func New(kind Kind, priority Priority, payload interface{}, txID uuid.UUID) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		ID:            uuid.New(),
		Kind:          kind,
		Priority:      priority,
		Payload:       raw,
		TransactionID: txID,
		Timestamp:     time.Now(),
	}
}

// Payload types carried by domain events.

// OrderEvent is the payload of order lifecycle events.
type OrderEvent struct {
	OrderID    string `json:"order_id"`
	UserID     string `json:"user_id"`
	StrategyID string `json:"strategy_id,omitempty"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   string `json:"quantity"`
	Price      string `json:"price"`
	Status     string `json:"status"`
}

// RiskViolationEvent is published by the risk engine.
type RiskViolationEvent struct {
	UserID     string `json:"user_id"`
	StrategyID string `json:"strategy_id,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	RuleName   string `json:"rule_name"`
	Severity   string `json:"severity"`
	Detail     string `json:"detail"`
}

// Risk violation severities. Critical escalates to an emergency stop.
const (
	RiskSeverityWarning  = "WARNING"
	RiskSeverityElevated = "ELEVATED"
	RiskSeverityCritical = "CRITICAL"
)

// TransactionEvent is the payload of transaction outcome events.
type TransactionEvent struct {
	TransactionID string `json:"transaction_id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Actor         string `json:"actor"`
	Error         string `json:"error,omitempty"`
}

// EmergencyStopEvent is the payload of EMERGENCY_STOP_EXECUTED.
type EmergencyStopEvent struct {
	Scope            string `json:"scope"`
	ScopeValue       string `json:"scope_value,omitempty"`
	Reason           string `json:"reason"`
	Status           string `json:"status"`
	OrdersCancelled  int    `json:"orders_cancelled"`
	StrategiesPaused int    `json:"strategies_paused"`
	PositionsClosed  int    `json:"positions_closed"`
}
