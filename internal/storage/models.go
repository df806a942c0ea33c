// Package storage defines the persisted entities of the coordination core and
// the gorm-backed store that owns them.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionKind classifies what a transaction mutates.
type TransactionKind string

const (
	KindOrderPlacement   TransactionKind = "ORDER_PLACEMENT"
	KindOrderCancel      TransactionKind = "ORDER_CANCEL"
	KindPortfolioUpdate  TransactionKind = "PORTFOLIO_UPDATE"
	KindTradeExecution   TransactionKind = "TRADE_EXECUTION"
	KindStrategyUpdate   TransactionKind = "STRATEGY_UPDATE"
	KindPositionClose    TransactionKind = "POSITION_CLOSE"
	KindEmergencyStop    TransactionKind = "EMERGENCY_STOP"
)

// TransactionStatus is the lifecycle state of a transaction. A transaction is
// immutable once it reaches COMMITTED or ROLLED_BACK.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusCommitted  TransactionStatus = "COMMITTED"
	StatusRolledBack TransactionStatus = "ROLLED_BACK"
	StatusFailed     TransactionStatus = "FAILED"
)

// ValidationLevel is the strictness tier of pre-commit checking.
type ValidationLevel string

const (
	LevelBasic    ValidationLevel = "BASIC"
	LevelStandard ValidationLevel = "STANDARD"
	LevelStrict   ValidationLevel = "STRICT"
	LevelParanoid ValidationLevel = "PARANOID"
)

// OperationType is the mutation type of a single operation.
type OperationType string

const (
	OpInsert OperationType = "INSERT"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
)

// Transaction is the persisted record of one atomic unit of trading-state
// mutation. Operations cascade-delete with their parent.
type Transaction struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Kind            TransactionKind   `gorm:"size:32;index" json:"kind"`
	Status          TransactionStatus `gorm:"size:16;index" json:"status"`
	Actor           string            `gorm:"size:128" json:"actor"`
	ValidationLevel ValidationLevel   `gorm:"size:16" json:"validation_level"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	Operations      []Operation       `gorm:"foreignKey:TransactionID;constraint:OnDelete:CASCADE" json:"operations,omitempty"`
}

// Operation is one mutation step within a transaction. It carries the old and
// new value snapshots that make rollback and replay possible, and is never
// mutated after creation.
type Operation struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	TransactionID uuid.UUID       `gorm:"type:uuid;index" json:"transaction_id"`
	Sequence      int             `json:"sequence"`
	TableName     string          `gorm:"size:64" json:"table_name"`
	EntityID      string          `gorm:"size:128" json:"entity_id"`
	Type          OperationType   `gorm:"size:8" json:"type"`
	OldValue      json.RawMessage `gorm:"type:jsonb" json:"old_value,omitempty"`
	NewValue      json.RawMessage `gorm:"type:jsonb" json:"new_value,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RuleKind is the closed set of validation rule kinds. Rule conditions are
// typed parameters, not executable expressions.
type RuleKind string

const (
	RuleRange             RuleKind = "RANGE"
	RuleReferential       RuleKind = "REFERENTIAL"
	RuleBusinessPredicate RuleKind = "BUSINESS_PREDICATE"
)

// RuleSeverity decides whether a failing rule aborts the transaction or only
// logs a warning.
type RuleSeverity string

const (
	SeverityError   RuleSeverity = "error"
	SeverityWarning RuleSeverity = "warning"
)

// ValidationRule is read-only reference data evaluated per operation before
// commit. Params is decoded according to Kind by the validation engine.
type ValidationRule struct {
	ID        uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	Name      string          `gorm:"size:128;uniqueIndex" json:"name"`
	TableName string          `gorm:"size:64;index" json:"table_name"`
	Field     string          `gorm:"size:64" json:"field"`
	Kind      RuleKind        `gorm:"size:32" json:"kind"`
	Severity  RuleSeverity    `gorm:"size:16" json:"severity"`
	Message   string          `json:"message"`
	Params    json.RawMessage `gorm:"type:jsonb" json:"params"`
	Enabled   bool            `gorm:"default:true" json:"enabled"`
}

// Alert is an operator-facing notification. Mutated only to set ResolvedAt.
type Alert struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Level      string     `gorm:"size:16;index" json:"level"`
	Title      string     `gorm:"size:256" json:"title"`
	Message    string     `json:"message"`
	Component  string     `gorm:"size:64" json:"component"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// EmergencyStopRecord captures one emergency stop invocation with its outcome
// counts and execution latency.
type EmergencyStopRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Scope            string    `gorm:"size:16" json:"scope"`
	ScopeValue       string    `gorm:"size:128" json:"scope_value,omitempty"`
	Reason           string    `json:"reason"`
	TriggerSource    string    `gorm:"size:32" json:"trigger_source"`
	Status           string    `gorm:"size:32" json:"status"`
	OrdersCancelled  int       `json:"orders_cancelled"`
	OrdersFailed     int       `json:"orders_failed"`
	StrategiesPaused int       `json:"strategies_paused"`
	StrategiesFailed int       `json:"strategies_failed"`
	PositionsClosed  int       `json:"positions_closed"`
	PositionsFailed  int       `json:"positions_failed"`
	ExecutionMs      int64     `json:"execution_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// StateRecord is the generic trading-state row mutated exclusively through the
// transaction manager. Data holds the entity document; the typed views below
// decode it.
type StateRecord struct {
	ID        uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	TableName string          `gorm:"size:64;uniqueIndex:idx_state_table_entity" json:"table_name"`
	EntityID  string          `gorm:"size:128;uniqueIndex:idx_state_table_entity" json:"entity_id"`
	Data      json.RawMessage `gorm:"type:jsonb" json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// State table names used by the trading entities.
const (
	TableOrders     = "orders"
	TablePositions  = "positions"
	TablePortfolios = "portfolios"
	TableStrategies = "strategies"
)

// Order is the document stored in the orders state table.
type Order struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	StrategyID string          `json:"strategy_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Status     string          `json:"status"`
}

// Order statuses used by the coordination core.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
)

// Position is the document stored in the positions state table.
type Position struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	StrategyID string          `json:"strategy_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Status     string          `json:"status"`
}

// Position statuses.
const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

// PortfolioBalance is the document stored in the portfolios state table,
// keyed by "user:currency".
type PortfolioBalance struct {
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// Strategy is the document stored in the strategies state table.
type Strategy struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Strategy statuses.
const (
	StrategyStatusActive = "ACTIVE"
	StrategyStatusPaused = "PAUSED"
)
