package txmanager

import (
	"context"
	"encoding/json"
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
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/metrics"
)

// Tx is one in-flight transaction. All mutations go through Execute; Commit
// or Rollback ends the transaction exactly once. A Tx is not safe for
// concurrent use by multiple goroutines.
type Tx struct {
	manager *Manager
	record  *storage.Transaction

	mu      sync.Mutex
	ops     []storage.Operation
	closed  bool
	opCount atomic.Int32
}

var _ locks.TxInfo = (*Tx)(nil)

// ID returns the transaction identifier.
func (tx *Tx) ID() uuid.UUID { return tx.record.ID }

// Kind returns the transaction kind.
func (tx *Tx) Kind() storage.TransactionKind { return tx.record.Kind }

// Actor returns the initiating actor.
func (tx *Tx) Actor() string { return tx.record.Actor }

// OperationCount returns the number of operations executed so far. Used by
// the deadlock victim policy to prefer aborting the transaction that has done
// the least work.
func (tx *Tx) OperationCount() int { return int(tx.opCount.Load()) }

// StartedAt returns the transaction start time.
func (tx *Tx) StartedAt() time.Time { return tx.record.StartedAt }

// Execute applies one mutation: acquire the resource lock, validate the new
// value at the transaction's level, snapshot the current value, then write.
// The operation is recorded with its old and new values so Rollback can
// restore the prior state exactly.
func (tx *Tx) Execute(ctx context.Context, opType storage.OperationType, table, entityID string, newValue interface{}) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return errors.New(errors.CodeTransactionClosed, "transaction already committed or rolled back").
			WithResource(tx.record.ID.String())
	}

	key := locks.Key(table, entityID)
	if err := tx.manager.locks.Acquire(ctx, tx, key); err != nil {
		return err
	}

	var newRaw json.RawMessage
	if newValue != nil {
		raw, err := json.Marshal(newValue)
		if err != nil {
			return errors.Wrap(errors.CodeValidation, "encode new value", err)
		}
		newRaw = raw
	}
	if opType != storage.OpDelete && len(newRaw) == 0 {
		return errors.New(errors.CodeValidation, "new value required for insert and update").
			WithResource(key)
	}

	oldRaw, err := tx.manager.store.GetState(ctx, table, entityID)
	if err != nil {
		return fmt.Errorf("read current state of %s: %w", key, err)
	}
	switch opType {
	case storage.OpInsert:
		if oldRaw != nil {
			return errors.New(errors.CodeValidation, "insert target already exists").WithResource(key)
		}
	case storage.OpUpdate, storage.OpDelete:
		if oldRaw == nil {
			return errors.New(errors.CodeValidation, "update or delete target does not exist").WithResource(key)
		}
	}

	op := storage.Operation{
		TransactionID: tx.record.ID,
		Sequence:      len(tx.ops) + 1,
		TableName:     table,
		EntityID:      entityID,
		Type:          opType,
		OldValue:      oldRaw,
		NewValue:      newRaw,
		Timestamp:     time.Now(),
	}

	if opType != storage.OpDelete {
		violations, err := tx.manager.validator.Validate(ctx, tx.record.ValidationLevel, &op)
		if err != nil {
			return fmt.Errorf("validation of %s: %w", key, err)
		}
		for _, v := range violations {
			tx.manager.logger.Warn("validation violation",
				zap.String("transaction_id", tx.record.ID.String()),
				zap.String("rule", v.Rule),
				zap.String("severity", string(v.Severity)),
				zap.String("message", v.Message))
		}
		if validation.HasError(violations) {
			return errors.New(errors.CodeValidation, violationSummary(violations)).WithResource(key)
		}
	}

	if err := tx.manager.store.ApplyState(ctx, &op); err != nil {
		return fmt.Errorf("apply %s %s: %w", op.Type, key, err)
	}
	if err := tx.manager.store.AppendOperation(ctx, &op); err != nil {
		// State already changed. Undo it directly rather than leaving an
		// unrecorded mutation behind.
		if revErr := tx.manager.store.RevertState(ctx, &op); revErr != nil {
			tx.manager.halt(ctx, tx.record.ID, errors.Join(err, revErr))
			return errors.Join(err, revErr)
		}
		return fmt.Errorf("record operation for %s: %w", key, err)
	}

	tx.ops = append(tx.ops, op)
	tx.opCount.Store(int32(len(tx.ops)))

	tx.manager.audit.Record(AuditEntry{
		Timestamp:     time.Now(),
		TransactionID: tx.record.ID,
		Actor:         tx.record.Actor,
		Event:         AuditOperation,
		Sequence:      op.Sequence,
		TableName:     table,
		EntityID:      entityID,
		Detail:        map[string]interface{}{"type": string(opType)},
	})
	return nil
}

// Insert executes an INSERT operation.
func (tx *Tx) Insert(ctx context.Context, table, entityID string, value interface{}) error {
	return tx.Execute(ctx, storage.OpInsert, table, entityID, value)
}

// Update executes an UPDATE operation.
func (tx *Tx) Update(ctx context.Context, table, entityID string, value interface{}) error {
	return tx.Execute(ctx, storage.OpUpdate, table, entityID, value)
}

// Delete executes a DELETE operation.
func (tx *Tx) Delete(ctx context.Context, table, entityID string) error {
	return tx.Execute(ctx, storage.OpDelete, table, entityID, nil)
}

// Get reads current state through the transaction and takes the entity's
// resource lock first, so values computed from the read cannot be invalidated
// by a concurrent writer before this transaction commits. The read sees
// writes made by this transaction, since Execute applies them immediately.
func (tx *Tx) Get(ctx context.Context, table, entityID string) (json.RawMessage, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, errors.New(errors.CodeTransactionClosed, "transaction already committed or rolled back").
			WithResource(tx.record.ID.String())
	}
	if err := tx.manager.locks.Acquire(ctx, tx, locks.Key(table, entityID)); err != nil {
		return nil, err
	}
	return tx.manager.store.GetState(ctx, table, entityID)
}

// Commit finalizes the transaction, releases its locks, and publishes the
// domain event for its kind. Commit on a closed transaction is an error;
// commit of a transaction that executed nothing closes it as a rollback.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return errors.New(errors.CodeTransactionClosed, "transaction already committed or rolled back").
			WithResource(tx.record.ID.String())
	}

	if len(tx.ops) == 0 {
		// Committing a transaction with no operation trail would break
		// replay, so close it as a rollback instead.
		if err := tx.manager.store.FinishTransaction(ctx, tx.record.ID, storage.StatusRolledBack, "empty transaction"); err != nil {
			tx.finish(storage.StatusRolledBack)
			return fmt.Errorf("mark transaction rolled back: %w", err)
		}
		tx.finish(storage.StatusRolledBack)
		tx.manager.audit.Record(AuditEntry{
			Timestamp:     time.Now(),
			TransactionID: tx.record.ID,
			Actor:         tx.record.Actor,
			Event:         AuditRollback,
			Detail:        map[string]interface{}{"operations": 0, "cause": "empty transaction"},
		})
		metrics.TransactionsTotal.WithLabelValues(string(tx.record.Kind), "rolled_back").Inc()
		return nil
	}

	if err := tx.manager.store.FinishTransaction(ctx, tx.record.ID, storage.StatusCommitted, ""); err != nil {
		return fmt.Errorf("mark transaction committed: %w", err)
	}
	tx.finish(storage.StatusCommitted)

	tx.manager.audit.Record(AuditEntry{
		Timestamp:     time.Now(),
		TransactionID: tx.record.ID,
		Actor:         tx.record.Actor,
		Event:         AuditCommit,
		Detail:        map[string]interface{}{"operations": len(tx.ops)},
	})

	duration := time.Since(tx.record.StartedAt)
	metrics.TransactionsTotal.WithLabelValues(string(tx.record.Kind), "committed").Inc()
	metrics.TransactionDuration.WithLabelValues(string(tx.record.Kind)).Observe(duration.Seconds())

	if kind, prio, ok := eventFor(tx.record.Kind); ok {
		tx.manager.bus.Publish(events.New(kind, prio, events.TransactionEvent{
			TransactionID: tx.record.ID.String(),
			Kind:          string(tx.record.Kind),
			Status:        string(storage.StatusCommitted),
			Actor:         tx.record.Actor,
		}, tx.record.ID))
	}

	tx.manager.logger.Info("transaction committed",
		zap.String("transaction_id", tx.record.ID.String()),
		zap.String("kind", string(tx.record.Kind)),
		zap.Int("operations", len(tx.ops)),
		zap.Duration("duration", duration))
	return nil
}

// Rollback undoes all executed operations in reverse order and closes the
// transaction. Rollback of an already closed transaction is a no-op, which
// keeps deferred rollbacks safe after a successful commit.
func (tx *Tx) Rollback(ctx context.Context, cause error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil
	}

	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		if err := tx.manager.store.RevertState(ctx, &op); err != nil {
			// A failed revert leaves state inconsistent with the operation
			// trail. Stop the world and demand operator intervention.
			tx.finish(storage.StatusFailed)
			tx.manager.halt(ctx, tx.record.ID, err)
			if ferr := tx.manager.store.FinishTransaction(ctx, tx.record.ID, storage.StatusFailed, err.Error()); ferr != nil {
				tx.manager.logger.Error("failed to mark transaction failed",
					zap.String("transaction_id", tx.record.ID.String()),
					zap.Error(ferr))
			}
			metrics.TransactionsTotal.WithLabelValues(string(tx.record.Kind), "failed").Inc()
			return errors.Wrap(errors.CodeSystemHalted,
				fmt.Sprintf("revert of operation %d failed, system halted", op.Sequence), err)
		}
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := tx.manager.store.FinishTransaction(ctx, tx.record.ID, storage.StatusRolledBack, errMsg); err != nil {
		tx.finish(storage.StatusRolledBack)
		return fmt.Errorf("mark transaction rolled back: %w", err)
	}
	tx.finish(storage.StatusRolledBack)

	tx.manager.audit.Record(AuditEntry{
		Timestamp:     time.Now(),
		TransactionID: tx.record.ID,
		Actor:         tx.record.Actor,
		Event:         AuditRollback,
		Detail: map[string]interface{}{
			"operations": len(tx.ops),
			"cause":      errMsg,
		},
	})

	metrics.TransactionsTotal.WithLabelValues(string(tx.record.Kind), "rolled_back").Inc()

	tx.manager.bus.Publish(events.New(events.TransactionFailed, events.PriorityHigh, events.TransactionEvent{
		TransactionID: tx.record.ID.String(),
		Kind:          string(tx.record.Kind),
		Status:        string(storage.StatusRolledBack),
		Actor:         tx.record.Actor,
		Error:         errMsg,
	}, tx.record.ID))

	tx.manager.logger.Warn("transaction rolled back",
		zap.String("transaction_id", tx.record.ID.String()),
		zap.String("kind", string(tx.record.Kind)),
		zap.Int("operations", len(tx.ops)),
		zap.String("cause", errMsg))
	return nil
}

// finish releases locks and unregisters the transaction. Callers hold tx.mu.
func (tx *Tx) finish(status storage.TransactionStatus) {
	tx.closed = true
	now := time.Now()
	tx.record.Status = status
	tx.record.EndedAt = &now
	tx.manager.locks.Release(tx.record.ID)
	tx.manager.unregister(tx.record.ID)
}

func violationSummary(violations []validation.Violation) string {
	for _, v := range violations {
		if v.Severity == storage.SeverityError {
			return fmt.Sprintf("rule %s: %s", v.Rule, v.Message)
		}
	}
	return "validation failed"
}
