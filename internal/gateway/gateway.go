// Package gateway defines the outbound control surface toward the broker and
// the strategy runtime.
package gateway

import "context"

// BrokerGateway sends order instructions to the broker. Implementations
// return errors.CodeBrokerUnavailable for connectivity failures so callers
// can classify them as transient.
type BrokerGateway interface {
	// PlaceOrder submits a new order to the broker.
	PlaceOrder(ctx context.Context, orderID, symbol, side, quantity, price string) error
	// CancelOrder cancels a working order at the broker.
	CancelOrder(ctx context.Context, orderID string) error
	// ClosePosition submits a market order that flattens the position.
	ClosePosition(ctx context.Context, positionID, symbol, side, quantity string) error
}

// StrategyManager controls the strategy runtime.
type StrategyManager interface {
	// PauseStrategy stops a strategy from emitting new orders. Pausing an
	// already paused strategy succeeds.
	PauseStrategy(ctx context.Context, strategyID string) error
	// ListActive returns the ids of strategies currently emitting orders.
	ListActive(ctx context.Context) ([]string, error)
}
