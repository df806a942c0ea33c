package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/config"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/coordinator"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/emergency"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/gateway"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/locks"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/retry"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/txmanager"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/validation"
)

type testApp struct {
	server *Server
	txm    *txmanager.Manager
	store  *storage.Store
}

func newTestApp(t *testing.T) *testApp {
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
	broker := gateway.NewSimulated(gateway.SimulatedConfig{}, log)
	retrier := retry.New(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, log)
	stopper := emergency.NewStopper(txm, store, broker, broker, bus, emergency.DefaultConfig(), log)
	coord := coordinator.New(store, txm, retrier, stopper, broker, log)

	srv := New(config.ServerConfig{Addr: ":0"}, txm, stopper, coord, bus, log)
	return &testApp{server: srv, txm: txm, store: store}
}

func (a *testApp) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	w := app.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestPanicEndpoint(t *testing.T) {
	app := newTestApp(t)

	order := storage.Order{
		ID: "ord-1", UserID: "user-1", Symbol: "BTC-USD", Side: "BUY",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
		Status: storage.OrderStatusOpen,
	}
	err := app.txm.WithTransaction(context.Background(), storage.KindOrderPlacement, "seed", func(tx *txmanager.Tx) error {
		return tx.Insert(context.Background(), storage.TableOrders, order.ID, order)
	})
	require.NoError(t, err)

	w := app.request(t, http.MethodPost, "/api/v1/emergency-stop/panic", map[string]string{
		"reason": "fire drill",
		"actor":  "ops",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool             `json:"success"`
		Result  emergency.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Result.OrdersCancelled)

	history := app.request(t, http.MethodGet, "/api/v1/emergency-stop/history", nil)
	assert.Equal(t, http.StatusOK, history.Code)
	assert.Contains(t, history.Body.String(), "PANIC_BUTTON")
}

func TestExecuteStopRejectsBadScope(t *testing.T) {
	app := newTestApp(t)
	w := app.request(t, http.MethodPost, "/api/v1/emergency-stop/execute", map[string]string{
		"scope":  "GALACTIC",
		"reason": "test",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteStopRequiresFields(t *testing.T) {
	app := newTestApp(t)
	w := app.request(t, http.MethodPost, "/api/v1/emergency-stop/execute", map[string]string{
		"scope": "SYSTEM",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")
}

func TestGetTransaction(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	tx, err := app.txm.Begin(ctx, storage.KindOrderCancel, "tester")
	require.NoError(t, err)
	order := storage.Order{
		ID: "ord-tx", UserID: "user-1", Symbol: "BTC-USD", Side: "BUY",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
		Status: storage.OrderStatusOpen,
	}
	require.NoError(t, tx.Insert(ctx, storage.TableOrders, order.ID, order))
	require.NoError(t, tx.Commit(ctx))

	w := app.request(t, http.MethodGet, "/api/v1/transactions/"+tx.ID().String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "COMMITTED")

	w = app.request(t, http.MethodGet, "/api/v1/transactions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopStatus(t *testing.T) {
	app := newTestApp(t)
	w := app.request(t, http.MethodGet, "/api/v1/emergency-stop/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		SystemStatus string  `json:"system_status"`
		Total        int     `json:"total_emergency_stops"`
		SuccessRate  float64 `json:"success_rate"`
		ActiveStops  int     `json:"active_stops"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "IDLE", body.SystemStatus)
	assert.Zero(t, body.Total)
	assert.Zero(t, body.ActiveStops)

	// After one successful stop the counts reflect it.
	_, err := app.server.stopper.Panic(context.Background(), "drill", "ops")
	require.NoError(t, err)

	w = app.request(t, http.MethodGet, "/api/v1/emergency-stop/status", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 1.0, body.SuccessRate)
}

func TestEventHistoryRejectsBadSince(t *testing.T) {
	app := newTestApp(t)
	w := app.request(t, http.MethodGet, "/api/v1/events/history?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.request(t, http.MethodGet, "/api/v1/events/history?since="+time.Now().UTC().Format(time.RFC3339), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStateStats(t *testing.T) {
	app := newTestApp(t)
	w := app.request(t, http.MethodGet, "/api/v1/state", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "open_orders")
}
