package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/emergency"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/gateway"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/locks"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/retry"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/txmanager"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/validation"
)

type stopperSpy struct {
	mu       sync.Mutex
	requests []emergency.Request
}

func (s *stopperSpy) Execute(_ context.Context, req emergency.Request) (emergency.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return emergency.Result{Phase: emergency.PhaseCompleted}, nil
}

func (s *stopperSpy) all() []emergency.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emergency.Request(nil), s.requests...)
}

type fixture struct {
	coord   *Coordinator
	store   *storage.Store
	txm     *txmanager.Manager
	stopper *stopperSpy
	broker  *gateway.Simulated
}

func newFixture(t *testing.T) *fixture {
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

	log := zap.NewNop()
	store := storage.NewStore(db, log)
	require.NoError(t, store.Migrate())

	bus := events.NewBus(events.Config{Workers: 1, QueueCapacity: 64, HistorySize: 64}, log)
	table := locks.NewTable(time.Second, nil, log)
	validator := validation.NewEngine(store, log)
	txm := txmanager.NewManager(store, table, validator, bus, txmanager.NewMemoryAuditLogger(), txmanager.DefaultConfig(), log)
	retrier := retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, log)
	stopper := &stopperSpy{}
	broker := gateway.NewSimulated(gateway.SimulatedConfig{}, log)
	coord := New(store, txm, retrier, stopper, broker, log)

	return &fixture{coord: coord, store: store, txm: txm, stopper: stopper, broker: broker}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (f *fixture) seedOrder(t *testing.T, order storage.Order) {
	t.Helper()
	err := f.txm.WithTransaction(context.Background(), storage.KindOrderCancel, "test", func(tx *txmanager.Tx) error {
		return tx.Insert(context.Background(), storage.TableOrders, order.ID, order)
	})
	require.NoError(t, err)
}

func TestRebuildFromCommittedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedOrder(t, storage.Order{
		ID: "ord-1", UserID: "user-1", Symbol: "BTC-USD", Side: "BUY",
		Quantity: mustDecimal("1"), Price: mustDecimal("100"), Status: storage.OrderStatusOpen,
	})

	// A rolled-back insert must not appear in the view.
	_ = f.txm.WithTransaction(ctx, storage.KindOrderCancel, "test", func(tx *txmanager.Tx) error {
		if err := tx.Insert(ctx, storage.TableOrders, "ord-ghost", storage.Order{ID: "ord-ghost", Status: storage.OrderStatusOpen}); err != nil {
			return err
		}
		return assert.AnError
	})

	require.NoError(t, f.coord.Rebuild(ctx))
	view := f.coord.View()
	assert.Contains(t, view.Orders, "ord-1")
	assert.NotContains(t, view.Orders, "ord-ghost")
	assert.Equal(t, 1, view.Stats().OpenOrders)
	assert.Len(t, view.OpenOrdersFor("user-1"), 1)
	assert.Empty(t, view.OpenOrdersFor("user-2"))
}

func TestSettleFillUpdatesOrderAndBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedOrder(t, storage.Order{
		ID: "ord-1", UserID: "user-1", Symbol: "BTC-USD", Side: "SELL",
		Quantity: mustDecimal("2"), Price: mustDecimal("100"), Status: storage.OrderStatusOpen,
	})

	fill := events.New(events.OrderFilled, events.PriorityNormal, events.OrderEvent{
		OrderID: "ord-1", UserID: "user-1", Symbol: "BTC-USD", Side: "SELL",
		Quantity: "2", Price: "100", Status: storage.OrderStatusFilled,
	}, uuid.Nil)

	require.NoError(t, f.coord.settleFill(ctx, fill))

	raw, err := f.store.GetState(ctx, storage.TableOrders, "ord-1")
	require.NoError(t, err)
	var order storage.Order
	require.NoError(t, json.Unmarshal(raw, &order))
	assert.Equal(t, storage.OrderStatusFilled, order.Status)

	raw, err = f.store.GetState(ctx, storage.TablePortfolios, "user-1:USD")
	require.NoError(t, err)
	require.NotNil(t, raw)
	var balance storage.PortfolioBalance
	require.NoError(t, json.Unmarshal(raw, &balance))
	assert.True(t, balance.Available.Equal(mustDecimal("200")), "sell proceeds credit available, got %s", balance.Available)

	// Redelivery of the same fill is a no-op, not a double credit.
	require.NoError(t, f.coord.settleFill(ctx, fill))
	raw, err = f.store.GetState(ctx, storage.TablePortfolios, "user-1:USD")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &balance))
	assert.True(t, balance.Available.Equal(mustDecimal("200")))
}

func TestCriticalRiskViolationTriggersStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := events.New(events.RiskViolation, events.PriorityCritical, events.RiskViolationEvent{
		UserID:   "user-1",
		RuleName: "max_drawdown",
		Severity: events.RiskSeverityCritical,
		Detail:   "drawdown limit breached",
	}, uuid.Nil)

	require.NoError(t, f.coord.handleRiskViolation(ctx, evt))
	stops := f.stopper.all()
	require.Len(t, stops, 1)
	assert.Equal(t, emergency.ScopeUser, stops[0].Scope)
	assert.Equal(t, "user-1", stops[0].ScopeValue)
	assert.Equal(t, emergency.TriggerRisk, stops[0].TriggerSource)
}

func TestCriticalRiskViolationPrefersStrategyScope(t *testing.T) {
	f := newFixture(t)

	evt := events.New(events.RiskViolation, events.PriorityCritical, events.RiskViolationEvent{
		UserID:     "user-1",
		StrategyID: "strat-9",
		RuleName:   "max_drawdown",
		Severity:   events.RiskSeverityCritical,
	}, uuid.Nil)

	require.NoError(t, f.coord.handleRiskViolation(context.Background(), evt))
	stops := f.stopper.all()
	require.Len(t, stops, 1)
	assert.Equal(t, emergency.ScopeStrategy, stops[0].Scope)
	assert.Equal(t, "strat-9", stops[0].ScopeValue)
}

func TestElevatedRiskViolationCancelsOpenOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedOrder(t, storage.Order{
		ID: "ord-1", UserID: "user-1", Symbol: "BTC-USD", Side: "BUY",
		Quantity: mustDecimal("1"), Price: mustDecimal("100"), Status: storage.OrderStatusOpen,
	})
	f.seedOrder(t, storage.Order{
		ID: "ord-2", UserID: "user-2", Symbol: "BTC-USD", Side: "BUY",
		Quantity: mustDecimal("1"), Price: mustDecimal("100"), Status: storage.OrderStatusOpen,
	})

	evt := events.New(events.RiskViolation, events.PriorityHigh, events.RiskViolationEvent{
		UserID:   "user-1",
		RuleName: "exposure_limit",
		Severity: events.RiskSeverityElevated,
		Detail:   "exposure above soft limit",
	}, uuid.Nil)

	require.NoError(t, f.coord.handleRiskViolation(ctx, evt))
	assert.Empty(t, f.stopper.all(), "elevated severity must not escalate")
	assert.Equal(t, []string{"ord-1"}, f.broker.CancelledOrders())

	raw, err := f.store.GetState(ctx, storage.TableOrders, "ord-1")
	require.NoError(t, err)
	var cancelled storage.Order
	require.NoError(t, json.Unmarshal(raw, &cancelled))
	assert.Equal(t, storage.OrderStatusCancelled, cancelled.Status)

	raw, err = f.store.GetState(ctx, storage.TableOrders, "ord-2")
	require.NoError(t, err)
	var untouched storage.Order
	require.NoError(t, json.Unmarshal(raw, &untouched))
	assert.Equal(t, storage.OrderStatusOpen, untouched.Status, "other users' orders stay open")

	alerts, err := f.store.ListOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.RiskSeverityElevated, alerts[0].Level)
}

func TestNonCriticalRiskViolationRaisesAlertOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := events.New(events.RiskViolation, events.PriorityHigh, events.RiskViolationEvent{
		UserID:   "user-1",
		RuleName: "position_limit",
		Severity: events.RiskSeverityWarning,
		Detail:   "position near limit",
	}, uuid.Nil)

	require.NoError(t, f.coord.handleRiskViolation(ctx, evt))
	assert.Empty(t, f.stopper.all())

	alerts, err := f.store.ListOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "risk", alerts[0].Component)
}

func TestQuoteCurrency(t *testing.T) {
	assert.Equal(t, "USD", quoteCurrency("BTC-USD"))
	assert.Equal(t, "USDT", quoteCurrency("ETH/USDT"))
	assert.Equal(t, "USD", quoteCurrency("AAPL"))
}
