package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/emergency"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/gateway"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/retry"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/txmanager"
)

// EmergencyStopper is the slice of the emergency stop system the coordinator
// needs for risk escalation.
type EmergencyStopper interface {
	Execute(ctx context.Context, req emergency.Request) (emergency.Result, error)
}

// Coordinator owns the derived view and the event handlers that settle fills
// and react to risk violations. It is the only component that both consumes
// events and starts new transactions, so every reactive flow is visible in
// one place.
type Coordinator struct {
	store   *storage.Store
	txm     *txmanager.Manager
	retrier *retry.Retrier
	stopper EmergencyStopper
	broker  gateway.BrokerGateway
	logger  *zap.Logger

	view viewHolder
}

// New creates the coordinator with an empty view. Call Rebuild before
// serving reads, then Register to attach handlers to the bus.
func New(
	store *storage.Store,
	txm *txmanager.Manager,
	retrier *retry.Retrier,
	stopper EmergencyStopper,
	broker gateway.BrokerGateway,
	logger *zap.Logger,
) *Coordinator {
	c := &Coordinator{
		store:   store,
		txm:     txm,
		retrier: retrier,
		stopper: stopper,
		broker:  broker,
		logger:  logger.Named("coordinator"),
	}
	c.view.store(&View{
		BuiltAt:    time.Now(),
		Orders:     make(map[string]storage.Order),
		Positions:  make(map[string]storage.Position),
		Strategies: make(map[string]storage.Strategy),
		Portfolios: make(map[string]storage.PortfolioBalance),
	})
	return c
}

// View returns the current snapshot. Never nil.
func (c *Coordinator) View() *View { return c.view.load() }

// Rebuild replays the committed operation trail into a fresh view and swaps
// it in.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	v, err := buildView(ctx, c.store)
	if err != nil {
		return err
	}
	c.view.store(v)
	c.logger.Debug("view rebuilt",
		zap.Int("orders", len(v.Orders)),
		zap.Int("positions", len(v.Positions)),
		zap.Int("strategies", len(v.Strategies)))
	return nil
}

// Register subscribes the coordinator's handlers. Every event kind gets the
// view refresh; ORDER_FILLED and RISK_VIOLATION additionally get their
// reactive flows.
func (c *Coordinator) Register(bus *events.Bus) {
	for _, kind := range events.AllKinds() {
		bus.Subscribe(kind, "view-refresh", c.refreshView)
	}
	bus.Subscribe(events.OrderFilled, "settle-fill", c.settleFill)
	bus.Subscribe(events.RiskViolation, "risk-response", c.handleRiskViolation)
}

func (c *Coordinator) refreshView(ctx context.Context, _ events.Event) error {
	return c.Rebuild(ctx)
}

// settleFill updates the filled order and adjusts the buyer's portfolio
// balance in one transaction. Transient failures (the fill races other
// transactions for the portfolio lock) retry with backoff.
func (c *Coordinator) settleFill(ctx context.Context, evt events.Event) error {
	var fill events.OrderEvent
	if err := json.Unmarshal(evt.Payload, &fill); err != nil {
		return fmt.Errorf("decode fill payload: %w", err)
	}
	qty, err := decimal.NewFromString(fill.Quantity)
	if err != nil {
		return fmt.Errorf("fill quantity %q: %w", fill.Quantity, err)
	}
	price, err := decimal.NewFromString(fill.Price)
	if err != nil {
		return fmt.Errorf("fill price %q: %w", fill.Price, err)
	}
	cost := qty.Mul(price)
	currency := quoteCurrency(fill.Symbol)
	balanceKey := fill.UserID + ":" + currency

	return c.retrier.Do(ctx, "settle_fill", func(ctx context.Context) error {
		return c.txm.WithTransaction(ctx, storage.KindPortfolioUpdate, "coordinator", func(tx *txmanager.Tx) error {
			raw, err := tx.Get(ctx, storage.TableOrders, fill.OrderID)
			if err != nil {
				return err
			}
			if raw == nil {
				return fmt.Errorf("fill for unknown order %s", fill.OrderID)
			}
			var order storage.Order
			if err := json.Unmarshal(raw, &order); err != nil {
				return err
			}
			if order.Status == storage.OrderStatusFilled {
				// Duplicate delivery. At-least-once means this happens.
				return nil
			}
			order.Status = storage.OrderStatusFilled
			if err := tx.Update(ctx, storage.TableOrders, order.ID, order); err != nil {
				return err
			}

			balRaw, err := tx.Get(ctx, storage.TablePortfolios, balanceKey)
			if err != nil {
				return err
			}
			balance := storage.PortfolioBalance{UserID: fill.UserID, Currency: currency}
			if balRaw != nil {
				if err := json.Unmarshal(balRaw, &balance); err != nil {
					return err
				}
			}
			if strings.EqualFold(fill.Side, "BUY") {
				balance.Reserved = balance.Reserved.Sub(cost)
			} else {
				balance.Available = balance.Available.Add(cost)
			}
			if balRaw == nil {
				return tx.Insert(ctx, storage.TablePortfolios, balanceKey, balance)
			}
			return tx.Update(ctx, storage.TablePortfolios, balanceKey, balance)
		})
	})
}

// handleRiskViolation reacts by severity: WARNING records an alert, ELEVATED
// additionally cancels the offending open orders, CRITICAL escalates to an
// emergency stop of the narrowest scope named in the violation.
func (c *Coordinator) handleRiskViolation(ctx context.Context, evt events.Event) error {
	var violation events.RiskViolationEvent
	if err := json.Unmarshal(evt.Payload, &violation); err != nil {
		return fmt.Errorf("decode risk violation payload: %w", err)
	}

	c.logger.Warn("risk violation received",
		zap.String("rule", violation.RuleName),
		zap.String("severity", violation.Severity),
		zap.String("user_id", violation.UserID),
		zap.String("strategy_id", violation.StrategyID))

	if violation.Severity == events.RiskSeverityCritical {
		req := emergency.Request{
			Scope:         emergency.ScopeUser,
			ScopeValue:    violation.UserID,
			Reason:        fmt.Sprintf("critical risk violation: %s", violation.RuleName),
			TriggerSource: emergency.TriggerRisk,
			Actor:         "coordinator",
		}
		if violation.StrategyID != "" {
			req.Scope = emergency.ScopeStrategy
			req.ScopeValue = violation.StrategyID
		}
		_, err := c.stopper.Execute(ctx, req)
		return err
	}

	alert := &storage.Alert{
		Level:     violation.Severity,
		Title:     "risk violation: " + violation.RuleName,
		Message:   violation.Detail,
		Component: "risk",
	}
	if err := c.store.CreateAlert(ctx, alert); err != nil {
		return err
	}
	if violation.Severity == events.RiskSeverityElevated {
		return c.cancelOffendingOrders(ctx, violation)
	}
	return nil
}

// cancelOffendingOrders cancels every open order matched by the violation's
// user, strategy, and symbol filters. Each cancellation is its own
// transaction so one failure does not roll back the rest.
func (c *Coordinator) cancelOffendingOrders(ctx context.Context, violation events.RiskViolationEvent) error {
	records, err := c.store.ListState(ctx, storage.TableOrders)
	if err != nil {
		return err
	}

	var failed int
	for _, rec := range records {
		var order storage.Order
		if err := json.Unmarshal(rec.Data, &order); err != nil {
			c.logger.Error("undecodable order document", zap.String("entity_id", rec.EntityID), zap.Error(err))
			continue
		}
		if order.Status != storage.OrderStatusOpen || order.UserID != violation.UserID {
			continue
		}
		if violation.StrategyID != "" && order.StrategyID != violation.StrategyID {
			continue
		}
		if violation.Symbol != "" && order.Symbol != violation.Symbol {
			continue
		}
		if err := c.cancelOrder(ctx, order.ID); err != nil {
			failed++
			c.logger.Error("risk cancel failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("risk response left %d orders uncancelled", failed)
	}
	return nil
}

func (c *Coordinator) cancelOrder(ctx context.Context, orderID string) error {
	return c.retrier.Do(ctx, "risk_cancel", func(ctx context.Context) error {
		if err := c.broker.CancelOrder(ctx, orderID); err != nil {
			return err
		}
		return c.txm.WithTransaction(ctx, storage.KindOrderCancel, "coordinator", func(tx *txmanager.Tx) error {
			raw, err := tx.Get(ctx, storage.TableOrders, orderID)
			if err != nil {
				return err
			}
			if raw == nil {
				return nil
			}
			var order storage.Order
			if err := json.Unmarshal(raw, &order); err != nil {
				return err
			}
			if order.Status != storage.OrderStatusOpen {
				return nil
			}
			order.Status = storage.OrderStatusCancelled
			return tx.Update(ctx, storage.TableOrders, order.ID, order)
		})
	})
}

// quoteCurrency extracts the quote currency from a symbol like "BTC-USD".
// Unknown formats settle in USD.
func quoteCurrency(symbol string) string {
	if i := strings.LastIndexAny(symbol, "-/"); i >= 0 && i+1 < len(symbol) {
		return symbol[i+1:]
	}
	return "USD"
}
