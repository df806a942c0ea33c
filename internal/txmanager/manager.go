// Package txmanager orchestrates atomic mutation of trading state: per
// transaction it acquires resource locks in deterministic order, validates
// proposed values, captures rollback snapshots, and on commit publishes the
// corresponding domain event. It is the only mutation entry point for
// orders, positions, and portfolio balances.
package txmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/locks"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/validation"
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
)

// Config tunes the transaction manager.
type Config struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// Levels maps transaction kinds to validation levels. Kinds not listed
	// run at STANDARD. EMERGENCY_STOP always runs at BASIC regardless, so
	// validation cannot become a point of failure during a crisis.
	Levels map[storage.TransactionKind]storage.ValidationLevel `mapstructure:"levels"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		LockTimeout: 5 * time.Second,
		Levels: map[storage.TransactionKind]storage.ValidationLevel{
			storage.KindOrderPlacement:  storage.LevelStrict,
			storage.KindOrderCancel:     storage.LevelBasic,
			storage.KindPortfolioUpdate: storage.LevelStrict,
			storage.KindTradeExecution:  storage.LevelStandard,
			storage.KindStrategyUpdate:  storage.LevelStandard,
			storage.KindPositionClose:   storage.LevelStandard,
		},
	}
}

// LevelFor resolves the validation level for a transaction kind.
func (c Config) LevelFor(kind storage.TransactionKind) storage.ValidationLevel {
	if kind == storage.KindEmergencyStop {
		return storage.LevelBasic
	}
	if level, ok := c.Levels[kind]; ok {
		return level
	}
	return storage.LevelStandard
}

// Manager owns transaction lifecycle, the audit log, the validation engine,
// and the lock table.
type Manager struct {
	store     *storage.Store
	locks     *locks.Table
	validator *validation.Engine
	bus       *events.Bus
	audit     AuditLogger
	logger    *zap.Logger
	config    Config

	mu     sync.Mutex
	active map[uuid.UUID]*Tx
	halted atomic.Bool
}

// NewManager wires the transaction manager.
func NewManager(
	store *storage.Store,
	lockTable *locks.Table,
	validator *validation.Engine,
	bus *events.Bus,
	audit AuditLogger,
	config Config,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:     store,
		locks:     lockTable,
		validator: validator,
		bus:       bus,
		audit:     audit,
		logger:    logger.Named("txmanager"),
		config:    config,
		active:    make(map[uuid.UUID]*Tx),
	}
}

// Halted reports whether the manager refuses new transactions after a fatal
// condition (failed rollback leaving state suspect).
func (m *Manager) Halted() bool { return m.halted.Load() }

// Resume clears the halted flag after operator intervention.
func (m *Manager) Resume() {
	m.halted.Store(false)
	m.logger.Warn("transaction manager resumed by operator")
}

// Begin opens a new PENDING transaction for the given kind and actor.
func (m *Manager) Begin(ctx context.Context, kind storage.TransactionKind, actor string) (*Tx, error) {
	if m.halted.Load() {
		return nil, errors.New(errors.CodeSystemHalted, "transaction manager halted, operator intervention required")
	}

	record := &storage.Transaction{
		ID:              uuid.New(),
		Kind:            kind,
		Status:          storage.StatusPending,
		Actor:           actor,
		ValidationLevel: m.config.LevelFor(kind),
		StartedAt:       time.Now(),
	}
	if err := m.store.CreateTransaction(ctx, record); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	tx := &Tx{
		manager: m,
		record:  record,
	}

	m.mu.Lock()
	m.active[record.ID] = tx
	m.mu.Unlock()

	m.audit.Record(AuditEntry{
		Timestamp:     time.Now(),
		TransactionID: record.ID,
		Actor:         actor,
		Event:         AuditBegin,
		Detail: map[string]interface{}{
			"kind":  string(kind),
			"level": string(record.ValidationLevel),
		},
	})

	m.logger.Debug("transaction started",
		zap.String("transaction_id", record.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("actor", actor))

	return tx, nil
}

// WithTransaction runs fn inside a transaction scope: commit on nil return,
// rollback on error or panic. Panics are re-raised after the rollback so the
// failure is never swallowed.
func (m *Manager) WithTransaction(
	ctx context.Context,
	kind storage.TransactionKind,
	actor string,
	fn func(tx *Tx) error,
) (err error) {
	tx, err := m.Begin(ctx, kind, actor)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			rbErr := tx.Rollback(ctx, fmt.Errorf("panic: %v", r))
			if rbErr != nil {
				m.logger.Error("rollback after panic failed",
					zap.String("transaction_id", tx.ID().String()),
					zap.Error(rbErr))
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx, err); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if rbErr := tx.Rollback(ctx, err); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// Get returns a transaction record with its full operation trail.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*storage.Transaction, error) {
	return m.store.GetTransaction(ctx, id)
}

// Locks returns the current lock table snapshot.
func (m *Manager) Locks() []locks.LockRecord {
	return m.locks.Snapshot()
}

func (m *Manager) unregister(id uuid.UUID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// halt records a fatal condition: an alert is raised and new transactions
// are refused until an operator resumes the manager.
func (m *Manager) halt(ctx context.Context, txID uuid.UUID, cause error) {
	if m.halted.Swap(true) {
		return
	}
	m.logger.Error("fatal condition, refusing new transactions",
		zap.String("transaction_id", txID.String()),
		zap.Error(cause))
	alert := &storage.Alert{
		Level:     "SYSTEM",
		Title:     "transaction rollback failed",
		Message:   fmt.Sprintf("transaction %s: %v", txID, cause),
		Component: "txmanager",
	}
	if err := m.store.CreateAlert(ctx, alert); err != nil {
		m.logger.Error("failed to persist halt alert", zap.Error(err))
	}
}

// eventFor maps a committed transaction kind to the domain event published on
// the bus.
func eventFor(kind storage.TransactionKind) (events.Kind, events.Priority, bool) {
	switch kind {
	case storage.KindOrderPlacement:
		return events.OrderPlaced, events.PriorityNormal, true
	case storage.KindOrderCancel:
		return events.OrderCancelled, events.PriorityHigh, true
	case storage.KindPortfolioUpdate:
		return events.PortfolioUpdated, events.PriorityNormal, true
	case storage.KindTradeExecution:
		return events.TradeExecuted, events.PriorityNormal, true
	case storage.KindStrategyUpdate:
		return events.StrategyPaused, events.PriorityHigh, true
	case storage.KindPositionClose:
		return events.PositionClosed, events.PriorityNormal, true
	default:
		// EMERGENCY_STOP sub-transactions are reported by the emergency
		// stop system itself, with full outcome counts.
		return "", 0, false
	}
}
