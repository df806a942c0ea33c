package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	// A fresh pool connection would see an empty in-memory database, so pin
	// the pool to the one connection that holds the schema.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store := NewStore(db, zap.NewNop())
	require.NoError(t, store.Migrate())
	return store
}

func TestTransactionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	txn := &Transaction{
		ID:              uuid.New(),
		Kind:            KindOrderPlacement,
		Status:          StatusPending,
		Actor:           "tester",
		ValidationLevel: LevelStrict,
		StartedAt:       time.Now(),
	}
	require.NoError(t, store.CreateTransaction(ctx, txn))

	op := &Operation{
		TransactionID: txn.ID,
		Sequence:      1,
		TableName:     TableOrders,
		EntityID:      "ord-1",
		Type:          OpInsert,
		NewValue:      json.RawMessage(`{"id":"ord-1","status":"OPEN"}`),
		Timestamp:     time.Now(),
	}
	require.NoError(t, store.AppendOperation(ctx, op))

	require.NoError(t, store.FinishTransaction(ctx, txn.ID, StatusCommitted, ""))

	got, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)
	require.Len(t, got.Operations, 1)
	assert.Equal(t, "ord-1", got.Operations[0].EntityID)
	assert.NotNil(t, got.EndedAt)
}

func TestFinishTransactionOnlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	txn := &Transaction{ID: uuid.New(), Kind: KindOrderCancel, Status: StatusPending, StartedAt: time.Now()}
	require.NoError(t, store.CreateTransaction(ctx, txn))

	require.NoError(t, store.FinishTransaction(ctx, txn.ID, StatusCommitted, ""))
	err := store.FinishTransaction(ctx, txn.ID, StatusRolledBack, "late rollback")
	assert.Error(t, err, "a finished transaction must not change status again")

	got, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)
}

func TestApplyAndRevertRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	insert := &Operation{
		TableName: TableOrders,
		EntityID:  "ord-1",
		Type:      OpInsert,
		NewValue:  json.RawMessage(`{"id":"ord-1","status":"OPEN"}`),
	}
	require.NoError(t, store.ApplyState(ctx, insert))

	old, err := store.GetState(ctx, TableOrders, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, old)

	update := &Operation{
		TableName: TableOrders,
		EntityID:  "ord-1",
		Type:      OpUpdate,
		OldValue:  old,
		NewValue:  json.RawMessage(`{"id":"ord-1","status":"CANCELLED"}`),
	}
	require.NoError(t, store.ApplyState(ctx, update))

	require.NoError(t, store.RevertState(ctx, update))
	got, err := store.GetState(ctx, TableOrders, "ord-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(old), string(got))

	require.NoError(t, store.RevertState(ctx, insert))
	got, err = store.GetState(ctx, TableOrders, "ord-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApplyStateGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	update := &Operation{
		TableName: TableOrders,
		EntityID:  "missing",
		Type:      OpUpdate,
		NewValue:  json.RawMessage(`{}`),
	}
	assert.Error(t, store.ApplyState(ctx, update), "update of a missing entity must fail")

	insert := &Operation{
		TableName: TableOrders,
		EntityID:  "ord-1",
		Type:      OpInsert,
		NewValue:  json.RawMessage(`{"id":"ord-1"}`),
	}
	require.NoError(t, store.ApplyState(ctx, insert))
	assert.Error(t, store.ApplyState(ctx, insert), "double insert must fail")
}

func TestCommittedOperationsExcludesRolledBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	committed := &Transaction{ID: uuid.New(), Kind: KindOrderPlacement, Status: StatusPending, StartedAt: time.Now()}
	require.NoError(t, store.CreateTransaction(ctx, committed))
	require.NoError(t, store.AppendOperation(ctx, &Operation{
		TransactionID: committed.ID, Sequence: 1, TableName: TableOrders, EntityID: "keep",
		Type: OpInsert, NewValue: json.RawMessage(`{}`), Timestamp: time.Now(),
	}))
	require.NoError(t, store.FinishTransaction(ctx, committed.ID, StatusCommitted, ""))

	rolledBack := &Transaction{ID: uuid.New(), Kind: KindOrderPlacement, Status: StatusPending, StartedAt: time.Now()}
	require.NoError(t, store.CreateTransaction(ctx, rolledBack))
	require.NoError(t, store.AppendOperation(ctx, &Operation{
		TransactionID: rolledBack.ID, Sequence: 1, TableName: TableOrders, EntityID: "drop",
		Type: OpInsert, NewValue: json.RawMessage(`{}`), Timestamp: time.Now(),
	}))
	require.NoError(t, store.FinishTransaction(ctx, rolledBack.ID, StatusRolledBack, "test"))

	ops, err := store.CommittedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "keep", ops[0].EntityID)
}

func TestAlerts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alert := &Alert{Level: "CRITICAL", Title: "test", Message: "boom", Component: "tests"}
	require.NoError(t, store.CreateAlert(ctx, alert))
	require.NotEqual(t, uuid.Nil, alert.ID)

	open, err := store.ListOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, store.ResolveAlert(ctx, alert.ID))
	open, err = store.ListOpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStopRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &EmergencyStopRecord{
		ID:              uuid.New(),
		Scope:           "SYSTEM",
		Reason:          "drill",
		TriggerSource:   "MANUAL",
		Status:          "COMPLETED",
		OrdersCancelled: 3,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.CreateStopRecord(ctx, rec))

	records, err := store.ListStopRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].OrdersCancelled)
}
