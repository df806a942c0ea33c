package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
)

// SimulatedConfig tunes the simulated broker.
type SimulatedConfig struct {
	// Latency is added to every call, simulating the broker round trip.
	Latency time.Duration `mapstructure:"latency"`
	// FailureRate in [0,1) makes that fraction of calls fail with
	// BROKER_UNAVAILABLE. Zero disables random failures.
	FailureRate float64 `mapstructure:"failure_rate"`
}

// Simulated is an in-process stand-in for a real broker connection and
// strategy runtime. It records every call and supports per-entity failure
// injection, which the emergency stop tests lean on heavily.
type Simulated struct {
	logger *zap.Logger
	config SimulatedConfig

	mu         sync.Mutex
	placed     []string
	cancelled  []string
	closed     []string
	paused     []string
	active     map[string]bool
	failOrders map[string]bool
	failAll    bool
}

var (
	_ BrokerGateway   = (*Simulated)(nil)
	_ StrategyManager = (*Simulated)(nil)
)

// NewSimulated creates a simulated gateway.
func NewSimulated(config SimulatedConfig, logger *zap.Logger) *Simulated {
	return &Simulated{
		logger:     logger.Named("broker-sim"),
		config:     config,
		active:     make(map[string]bool),
		failOrders: make(map[string]bool),
	}
}

// FailOrder makes subsequent calls touching the given order or position fail.
func (s *Simulated) FailOrder(id string) {
	s.mu.Lock()
	s.failOrders[id] = true
	s.mu.Unlock()
}

// FailEverything makes every subsequent call fail, simulating a dead broker
// connection.
func (s *Simulated) FailEverything(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

func (s *Simulated) call(ctx context.Context, verb, id string) error {
	if s.config.Latency > 0 {
		select {
		case <-time.After(s.config.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	shouldFail := s.failAll || s.failOrders[id]
	s.mu.Unlock()
	if !shouldFail && s.config.FailureRate > 0 && rand.Float64() < s.config.FailureRate {
		shouldFail = true
	}
	if shouldFail {
		return errors.Newf(errors.CodeBrokerUnavailable, "broker rejected %s for %s", verb, id).
			WithResource(id)
	}
	return nil
}

// PlaceOrder records a new order submission.
func (s *Simulated) PlaceOrder(ctx context.Context, orderID, symbol, side, quantity, price string) error {
	if err := s.call(ctx, "place", orderID); err != nil {
		return err
	}
	s.mu.Lock()
	s.placed = append(s.placed, orderID)
	s.mu.Unlock()
	s.logger.Debug("order placed at broker",
		zap.String("order_id", orderID),
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("quantity", quantity),
		zap.String("price", price))
	return nil
}

// CancelOrder records a cancellation.
func (s *Simulated) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.call(ctx, "cancel", orderID); err != nil {
		return err
	}
	s.mu.Lock()
	s.cancelled = append(s.cancelled, orderID)
	s.mu.Unlock()
	s.logger.Debug("order cancelled at broker", zap.String("order_id", orderID))
	return nil
}

// ClosePosition records a flattening order.
func (s *Simulated) ClosePosition(ctx context.Context, positionID, symbol, side, quantity string) error {
	if err := s.call(ctx, "close", positionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = append(s.closed, positionID)
	s.mu.Unlock()
	s.logger.Debug("position closed at broker",
		zap.String("position_id", positionID),
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("quantity", quantity))
	return nil
}

// PauseStrategy records a pause.
func (s *Simulated) PauseStrategy(ctx context.Context, strategyID string) error {
	if err := s.call(ctx, "pause", strategyID); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = append(s.paused, strategyID)
	delete(s.active, strategyID)
	s.mu.Unlock()
	s.logger.Debug("strategy paused", zap.String("strategy_id", strategyID))
	return nil
}

// ActivateStrategy marks a strategy as running so ListActive reports it.
func (s *Simulated) ActivateStrategy(strategyID string) {
	s.mu.Lock()
	s.active[strategyID] = true
	s.mu.Unlock()
}

// ListActive returns the strategies activated and not yet paused.
func (s *Simulated) ListActive(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids, nil
}

// PlacedOrders returns the order IDs placed so far.
func (s *Simulated) PlacedOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.placed...)
}

// CancelledOrders returns the order IDs cancelled so far.
func (s *Simulated) CancelledOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// ClosedPositions returns the position IDs closed so far.
func (s *Simulated) ClosedPositions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

// PausedStrategies returns the strategy IDs paused so far.
func (s *Simulated) PausedStrategies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paused...)
}
