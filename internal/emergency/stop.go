// Package emergency implements the emergency stop system: scoped, bounded
// shutdown of trading activity with per-operation failure isolation. A stop
// never gives up because one order refuses to die; it cancels everything it
// can and reports exactly what failed.
package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/gateway"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/txmanager"
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/metrics"
)

// Scope selects which slice of trading activity a stop covers.
type Scope string

const (
	ScopeUser     Scope = "USER"
	ScopeStrategy Scope = "STRATEGY"
	ScopeSymbol   Scope = "SYMBOL"
	ScopeSystem   Scope = "SYSTEM"
)

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeUser, ScopeStrategy, ScopeSymbol, ScopeSystem:
		return true
	}
	return false
}

// Phase is the execution state of one stop.
type Phase string

const (
	PhaseIdle               Phase = "IDLE"
	PhaseTriggered          Phase = "TRIGGERED"
	PhaseExecuting          Phase = "EXECUTING"
	PhaseCompleted          Phase = "COMPLETED"
	PhasePartiallyCompleted Phase = "PARTIALLY_COMPLETED"
)

// Trigger sources recorded with each stop.
const (
	TriggerManual    = "MANUAL"
	TriggerRisk      = "RISK_ENGINE"
	TriggerPanic     = "PANIC_BUTTON"
	TriggerEscalated = "EVENT_ESCALATION"
)

// Request describes one emergency stop invocation.
type Request struct {
	Scope         Scope  `json:"scope"`
	ScopeValue    string `json:"scope_value,omitempty"`
	Reason        string `json:"reason"`
	TriggerSource string `json:"trigger_source"`
	Actor         string `json:"actor"`
}

// Result is the outcome of one stop execution.
type Result struct {
	ID               uuid.UUID     `json:"id"`
	Phase            Phase         `json:"phase"`
	OrdersCancelled  int           `json:"orders_cancelled"`
	OrdersFailed     int           `json:"orders_failed"`
	StrategiesPaused int           `json:"strategies_paused"`
	StrategiesFailed int           `json:"strategies_failed"`
	PositionsClosed  int           `json:"positions_closed"`
	PositionsFailed  int           `json:"positions_failed"`
	Failures         []string      `json:"failures,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Success reports whether every operation of the stop succeeded.
func (r Result) Success() bool { return r.Phase == PhaseCompleted }

// Config tunes stop execution.
type Config struct {
	// MaxConcurrent bounds how many broker operations run at once.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// OpTimeout caps each individual cancel/pause/close.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
	// ClosePositions controls whether a stop flattens open positions in
	// addition to cancelling orders and pausing strategies.
	ClosePositions bool `mapstructure:"close_positions"`
}

// DefaultConfig returns the default stop configuration. The per-operation
// timeout is tight: a stop must finish in well under a second even when the
// broker hangs, so a slow call is abandoned rather than waited out.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  16,
		OpTimeout:      250 * time.Millisecond,
		ClosePositions: false,
	}
}

// Stopper executes emergency stops.
type Stopper struct {
	txm      *txmanager.Manager
	store    *storage.Store
	broker   gateway.BrokerGateway
	strategy gateway.StrategyManager
	bus      *events.Bus
	logger   *zap.Logger
	config   Config

	mu     sync.Mutex
	active map[string]*inflight
	phase  Phase
}

// inflight deduplicates concurrent stops of the same scope: later callers
// wait on done and receive the first caller's result.
type inflight struct {
	done   chan struct{}
	result Result
	err    error
}

// NewStopper wires the emergency stop system. Broker calls on the stop path
// are never retried or queued; each gets one attempt inside its timeout, and
// failures are reported instead of waited out.
func NewStopper(
	txm *txmanager.Manager,
	store *storage.Store,
	broker gateway.BrokerGateway,
	strategy gateway.StrategyManager,
	bus *events.Bus,
	config Config,
	logger *zap.Logger,
) *Stopper {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Stopper{
		txm:      txm,
		store:    store,
		broker:   broker,
		strategy: strategy,
		bus:      bus,
		logger:   logger.Named("emergency"),
		config:   config,
		active:   make(map[string]*inflight),
		phase:    PhaseIdle,
	}
}

// Phase returns the current execution phase.
func (s *Stopper) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ActiveCount returns the number of stops currently in flight.
func (s *Stopper) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Panic executes a SYSTEM-wide stop. The panic button path takes no options
// beyond the reason.
func (s *Stopper) Panic(ctx context.Context, reason, actor string) (Result, error) {
	return s.Execute(ctx, Request{
		Scope:         ScopeSystem,
		Reason:        reason,
		TriggerSource: TriggerPanic,
		Actor:         actor,
	})
}

// Execute runs an emergency stop. Concurrent invocations for the same scope
// coalesce: the second caller waits for and shares the first one's result.
// The stop always runs to the end of its work list; individual failures are
// counted, not fatal.
func (s *Stopper) Execute(ctx context.Context, req Request) (Result, error) {
	if !ValidScope(req.Scope) {
		return Result{}, errors.Newf(errors.CodeValidation, "unknown emergency stop scope %q", req.Scope)
	}
	if req.Scope != ScopeSystem && req.ScopeValue == "" {
		return Result{}, errors.Newf(errors.CodeValidation, "scope %s requires a scope value", req.Scope)
	}

	key := string(req.Scope) + ":" + req.ScopeValue

	s.mu.Lock()
	if fl, ok := s.active[key]; ok {
		s.mu.Unlock()
		s.logger.Warn("emergency stop already in flight for scope, joining",
			zap.String("scope", key))
		select {
		case <-fl.done:
			return fl.result, fl.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	s.active[key] = fl
	s.phase = PhaseTriggered
	s.mu.Unlock()

	s.logger.Error("EMERGENCY STOP TRIGGERED",
		zap.String("scope", string(req.Scope)),
		zap.String("scope_value", req.ScopeValue),
		zap.String("reason", req.Reason),
		zap.String("trigger", req.TriggerSource),
		zap.String("actor", req.Actor))

	fl.result, fl.err = s.run(ctx, req)
	close(fl.done)

	s.mu.Lock()
	delete(s.active, key)
	if len(s.active) == 0 {
		s.phase = fl.result.Phase
	}
	s.mu.Unlock()

	return fl.result, fl.err
}

func (s *Stopper) run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	s.mu.Lock()
	s.phase = PhaseExecuting
	s.mu.Unlock()

	orders, strategies, positions, err := s.collect(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("collect affected entities: %w", err)
	}

	result := Result{ID: uuid.New()}

	type outcome struct {
		kind string
		id   string
		err  error
	}
	sem := make(chan struct{}, s.config.MaxConcurrent)
	outcomes := make(chan outcome)
	var wg sync.WaitGroup

	launch := func(kind, id string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
			defer cancel()
			outcomes <- outcome{kind: kind, id: id, err: fn(opCtx)}
		}()
	}

	for _, o := range orders {
		order := o
		launch("order", order.ID, func(c context.Context) error {
			return s.cancelOrder(c, order, req.Actor)
		})
	}
	for _, st := range strategies {
		strat := st
		launch("strategy", strat.ID, func(c context.Context) error {
			return s.pauseStrategy(c, strat, req.Actor)
		})
	}
	if s.config.ClosePositions || req.Scope == ScopeSystem {
		for _, p := range positions {
			pos := p
			launch("position", pos.ID, func(c context.Context) error {
				return s.closePosition(c, pos, req.Actor)
			})
		}
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for out := range outcomes {
		switch {
		case out.kind == "order" && out.err == nil:
			result.OrdersCancelled++
		case out.kind == "order":
			result.OrdersFailed++
		case out.kind == "strategy" && out.err == nil:
			result.StrategiesPaused++
		case out.kind == "strategy":
			result.StrategiesFailed++
		case out.kind == "position" && out.err == nil:
			result.PositionsClosed++
		case out.kind == "position":
			result.PositionsFailed++
		}
		if out.err != nil {
			result.Failures = append(result.Failures,
				fmt.Sprintf("%s %s: %v", out.kind, out.id, out.err))
			s.logger.Error("emergency stop operation failed",
				zap.String("kind", out.kind),
				zap.String("id", out.id),
				zap.Error(out.err))
		}
	}

	result.Duration = time.Since(start)
	if result.OrdersFailed+result.StrategiesFailed+result.PositionsFailed == 0 {
		result.Phase = PhaseCompleted
	} else {
		result.Phase = PhasePartiallyCompleted
	}

	s.record(ctx, req, &result)
	s.publish(req, result)

	outcomeLabel := "completed"
	if result.Phase == PhasePartiallyCompleted {
		outcomeLabel = "partial"
	}
	metrics.EmergencyStops.WithLabelValues(string(req.Scope), outcomeLabel).Inc()
	metrics.EmergencyStopDuration.Observe(result.Duration.Seconds())

	s.logger.Warn("emergency stop finished",
		zap.String("scope", string(req.Scope)),
		zap.String("scope_value", req.ScopeValue),
		zap.String("phase", string(result.Phase)),
		zap.Int("orders_cancelled", result.OrdersCancelled),
		zap.Int("orders_failed", result.OrdersFailed),
		zap.Int("strategies_paused", result.StrategiesPaused),
		zap.Int("positions_closed", result.PositionsClosed),
		zap.Duration("duration", result.Duration))

	if result.Phase == PhasePartiallyCompleted {
		return result, errors.Newf(errors.CodeEmergencyStopPartial,
			"emergency stop partially completed: %d of %d operations failed",
			len(result.Failures),
			result.OrdersCancelled+result.OrdersFailed+
				result.StrategiesPaused+result.StrategiesFailed+
				result.PositionsClosed+result.PositionsFailed)
	}
	return result, nil
}

// collect gathers the open orders, active strategies, and open positions
// covered by the request scope.
func (s *Stopper) collect(ctx context.Context, req Request) ([]storage.Order, []storage.Strategy, []storage.Position, error) {
	var orders []storage.Order
	orderRecs, err := s.store.ListState(ctx, storage.TableOrders)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, rec := range orderRecs {
		var o storage.Order
		if err := json.Unmarshal(rec.Data, &o); err != nil {
			s.logger.Warn("skipping undecodable order state",
				zap.String("entity_id", rec.EntityID), zap.Error(err))
			continue
		}
		if o.Status == storage.OrderStatusOpen && s.inScope(req, o.UserID, o.StrategyID, o.Symbol) {
			orders = append(orders, o)
		}
	}

	var strategies []storage.Strategy
	if req.Scope != ScopeSymbol {
		stratRecs, err := s.store.ListState(ctx, storage.TableStrategies)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, rec := range stratRecs {
			var st storage.Strategy
			if err := json.Unmarshal(rec.Data, &st); err != nil {
				continue
			}
			inScope := req.Scope == ScopeSystem ||
				(req.Scope == ScopeUser && st.UserID == req.ScopeValue) ||
				(req.Scope == ScopeStrategy && st.ID == req.ScopeValue)
			if st.Status == storage.StrategyStatusActive && inScope {
				strategies = append(strategies, st)
			}
		}
	}

	var positions []storage.Position
	posRecs, err := s.store.ListState(ctx, storage.TablePositions)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, rec := range posRecs {
		var p storage.Position
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			continue
		}
		if p.Status == storage.PositionStatusOpen && s.inScope(req, p.UserID, p.StrategyID, p.Symbol) {
			positions = append(positions, p)
		}
	}

	return orders, strategies, positions, nil
}

func (s *Stopper) inScope(req Request, userID, strategyID, symbol string) bool {
	switch req.Scope {
	case ScopeSystem:
		return true
	case ScopeUser:
		return userID == req.ScopeValue
	case ScopeStrategy:
		return strategyID == req.ScopeValue
	case ScopeSymbol:
		return symbol == req.ScopeValue
	}
	return false
}

// cancelOrder cancels at the broker first, then records the cancellation in
// state. A broker failure leaves the order untouched in state so the
// follow-up stop sees it again. One attempt only: the operation timeout is
// the whole budget.
func (s *Stopper) cancelOrder(ctx context.Context, order storage.Order, actor string) error {
	if err := s.broker.CancelOrder(ctx, order.ID); err != nil {
		return err
	}
	order.Status = storage.OrderStatusCancelled
	return s.txm.WithTransaction(ctx, storage.KindEmergencyStop, actor, func(tx *txmanager.Tx) error {
		return tx.Update(ctx, storage.TableOrders, order.ID, order)
	})
}

func (s *Stopper) pauseStrategy(ctx context.Context, strat storage.Strategy, actor string) error {
	if err := s.strategy.PauseStrategy(ctx, strat.ID); err != nil {
		return err
	}
	strat.Status = storage.StrategyStatusPaused
	return s.txm.WithTransaction(ctx, storage.KindEmergencyStop, actor, func(tx *txmanager.Tx) error {
		return tx.Update(ctx, storage.TableStrategies, strat.ID, strat)
	})
}

func (s *Stopper) closePosition(ctx context.Context, pos storage.Position, actor string) error {
	side := "SELL"
	if pos.Quantity.IsNegative() {
		side = "BUY"
	}
	if err := s.broker.ClosePosition(ctx, pos.ID, pos.Symbol, side, pos.Quantity.Abs().String()); err != nil {
		return err
	}
	pos.Status = storage.PositionStatusClosed
	return s.txm.WithTransaction(ctx, storage.KindEmergencyStop, actor, func(tx *txmanager.Tx) error {
		return tx.Update(ctx, storage.TablePositions, pos.ID, pos)
	})
}

func (s *Stopper) record(ctx context.Context, req Request, result *Result) {
	rec := &storage.EmergencyStopRecord{
		ID:               result.ID,
		Scope:            string(req.Scope),
		ScopeValue:       req.ScopeValue,
		Reason:           req.Reason,
		TriggerSource:    req.TriggerSource,
		Status:           string(result.Phase),
		OrdersCancelled:  result.OrdersCancelled,
		OrdersFailed:     result.OrdersFailed,
		StrategiesPaused: result.StrategiesPaused,
		StrategiesFailed: result.StrategiesFailed,
		PositionsClosed:  result.PositionsClosed,
		PositionsFailed:  result.PositionsFailed,
		ExecutionMs:      result.Duration.Milliseconds(),
		CreatedAt:        time.Now(),
	}
	if err := s.store.CreateStopRecord(ctx, rec); err != nil {
		s.logger.Error("failed to persist emergency stop record",
			zap.String("stop_id", result.ID.String()), zap.Error(err))
	}
}

func (s *Stopper) publish(req Request, result Result) {
	s.bus.Publish(events.New(events.EmergencyStopExecuted, events.PriorityCritical,
		events.EmergencyStopEvent{
			Scope:            string(req.Scope),
			ScopeValue:       req.ScopeValue,
			Reason:           req.Reason,
			Status:           string(result.Phase),
			OrdersCancelled:  result.OrdersCancelled,
			StrategiesPaused: result.StrategiesPaused,
			PositionsClosed:  result.PositionsClosed,
		}, uuid.Nil))
}

// History returns recent stop records, newest first.
func (s *Stopper) History(ctx context.Context, limit int) ([]storage.EmergencyStopRecord, error) {
	return s.store.ListStopRecords(ctx, limit)
}
