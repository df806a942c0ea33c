package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
)

// Store owns the relational persistence of the coordination core.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a store on top of an open gorm connection.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("store")}
}

// Migrate creates or updates the persisted tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&Transaction{},
		&Operation{},
		&ValidationRule{},
		&Alert{},
		&EmergencyStopRecord{},
		&StateRecord{},
	)
}

// DB exposes the underlying connection for wiring.
func (s *Store) DB() *gorm.DB { return s.db }

// Transactions

// CreateTransaction persists a new PENDING transaction record.
func (s *Store) CreateTransaction(ctx context.Context, txn *Transaction) error {
	return s.db.WithContext(ctx).Create(txn).Error
}

// FinishTransaction marks a transaction terminal. The status row is the
// commit point: once written the transaction record is immutable.
func (s *Store) FinishTransaction(ctx context.Context, id uuid.UUID, status TransactionStatus, errMsg string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"ended_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.Newf(apperrors.CodeTransactionClosed, "transaction %s is not pending", id)
	}
	return nil
}

// AppendOperation persists one operation of a pending transaction.
func (s *Store) AppendOperation(ctx context.Context, op *Operation) error {
	return s.db.WithContext(ctx).Create(op).Error
}

// GetTransaction loads a transaction with its operations in sequence order.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var txn Transaction
	err := s.db.WithContext(ctx).
		Preload("Operations", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		First(&txn, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListTransactions returns recent transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	var txns []Transaction
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// CommittedOperations streams the operations of committed transactions in
// commit order. This is the audit trail the coordinator view is rebuilt from.
func (s *Store) CommittedOperations(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	err := s.db.WithContext(ctx).
		Joins("JOIN transactions ON transactions.id = operations.transaction_id").
		Where("transactions.status = ?", StatusCommitted).
		Order("transactions.ended_at ASC, operations.sequence ASC").
		Find(&ops).Error
	return ops, err
}

// State records

// GetState returns the current document for (table, entity), or nil when the
// entity does not exist.
func (s *Store) GetState(ctx context.Context, table, entityID string) (json.RawMessage, error) {
	var rec StateRecord
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND entity_id = ?", table, entityID).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// ApplyState applies one mutation to the state table. INSERT fails on an
// existing entity and UPDATE/DELETE fail on a missing one, so a stale
// snapshot surfaces as an error instead of silent overwrite.
func (s *Store) ApplyState(ctx context.Context, op *Operation) error {
	switch op.Type {
	case OpInsert:
		rec := StateRecord{
			TableName: op.TableName,
			EntityID:  op.EntityID,
			Data:      op.NewValue,
			UpdatedAt: time.Now(),
		}
		return s.db.WithContext(ctx).Create(&rec).Error
	case OpUpdate:
		res := s.db.WithContext(ctx).
			Model(&StateRecord{}).
			Where("table_name = ? AND entity_id = ?", op.TableName, op.EntityID).
			Updates(map[string]interface{}{
				"data":       op.NewValue,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("update of missing entity %s/%s", op.TableName, op.EntityID)
		}
		return nil
	case OpDelete:
		res := s.db.WithContext(ctx).
			Where("table_name = ? AND entity_id = ?", op.TableName, op.EntityID).
			Delete(&StateRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete of missing entity %s/%s", op.TableName, op.EntityID)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// RevertState applies the inverse of an operation using its captured old
// value. Used by rollback, in reverse sequence order.
func (s *Store) RevertState(ctx context.Context, op *Operation) error {
	switch op.Type {
	case OpInsert:
		return s.ApplyState(ctx, &Operation{
			TableName: op.TableName,
			EntityID:  op.EntityID,
			Type:      OpDelete,
		})
	case OpUpdate:
		return s.ApplyState(ctx, &Operation{
			TableName: op.TableName,
			EntityID:  op.EntityID,
			Type:      OpUpdate,
			NewValue:  op.OldValue,
		})
	case OpDelete:
		return s.ApplyState(ctx, &Operation{
			TableName: op.TableName,
			EntityID:  op.EntityID,
			Type:      OpInsert,
			NewValue:  op.OldValue,
		})
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// ListState returns all documents of one state table.
func (s *Store) ListState(ctx context.Context, table string) ([]StateRecord, error) {
	var recs []StateRecord
	err := s.db.WithContext(ctx).
		Where("table_name = ?", table).
		Find(&recs).Error
	return recs, err
}

// Validation rules

// ListEnabledRules returns the enabled rules for a state table.
func (s *Store) ListEnabledRules(ctx context.Context, table string) ([]ValidationRule, error) {
	var rules []ValidationRule
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND enabled = ?", table, true).
		Find(&rules).Error
	return rules, err
}

// SaveRule inserts or updates a rule by name.
func (s *Store) SaveRule(ctx context.Context, rule *ValidationRule) error {
	var existing ValidationRule
	err := s.db.WithContext(ctx).Where("name = ?", rule.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.WithContext(ctx).Create(rule).Error
	}
	if err != nil {
		return err
	}
	rule.ID = existing.ID
	return s.db.WithContext(ctx).Save(rule).Error
}

// Alerts

// CreateAlert persists a new alert.
func (s *Store) CreateAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	s.logger.Warn("alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("level", alert.Level),
		zap.String("component", alert.Component),
		zap.String("title", alert.Title))
	return s.db.WithContext(ctx).Create(alert).Error
}

// ResolveAlert sets resolved_at on an open alert.
func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&Alert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.Newf(apperrors.CodeInternal, "alert %s not found or already resolved", id)
	}
	return nil
}

// ListOpenAlerts returns unresolved alerts, newest first.
func (s *Store) ListOpenAlerts(ctx context.Context) ([]Alert, error) {
	var alerts []Alert
	err := s.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at DESC").
		Find(&alerts).Error
	return alerts, err
}

// Emergency stop records

// CreateStopRecord persists an emergency stop invocation record.
func (s *Store) CreateStopRecord(ctx context.Context, rec *EmergencyStopRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// ListStopRecords returns past emergency stop invocations, newest first.
func (s *Store) ListStopRecords(ctx context.Context, limit int) ([]EmergencyStopRecord, error) {
	var recs []EmergencyStopRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
