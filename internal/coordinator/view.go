// Package coordinator reacts to domain events: it maintains the derived
// read model of trading state, settles fills into portfolio balances, and
// escalates critical risk violations to the emergency stop system.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
)

// View is an immutable snapshot of trading state derived by replaying the
// committed operation trail. It is rebuilt on demand and swapped atomically,
// so readers never see a half-applied update and never take a lock.
type View struct {
	BuiltAt    time.Time
	Orders     map[string]storage.Order
	Positions  map[string]storage.Position
	Strategies map[string]storage.Strategy
	Portfolios map[string]storage.PortfolioBalance
}

// Stats summarizes the view for the status endpoint.
type Stats struct {
	OpenOrders       int       `json:"open_orders"`
	OpenPositions    int       `json:"open_positions"`
	ActiveStrategies int       `json:"active_strategies"`
	BuiltAt          time.Time `json:"built_at"`
}

// Stats computes summary counts.
func (v *View) Stats() Stats {
	s := Stats{BuiltAt: v.BuiltAt}
	for _, o := range v.Orders {
		if o.Status == storage.OrderStatusOpen {
			s.OpenOrders++
		}
	}
	for _, p := range v.Positions {
		if p.Status == storage.PositionStatusOpen {
			s.OpenPositions++
		}
	}
	for _, st := range v.Strategies {
		if st.Status == storage.StrategyStatusActive {
			s.ActiveStrategies++
		}
	}
	return s
}

// OpenOrdersFor returns the open orders of one user.
func (v *View) OpenOrdersFor(userID string) []storage.Order {
	var out []storage.Order
	for _, o := range v.Orders {
		if o.UserID == userID && o.Status == storage.OrderStatusOpen {
			out = append(out, o)
		}
	}
	return out
}

// viewHolder is the atomically swapped current view.
type viewHolder struct {
	ptr atomic.Pointer[View]
}

func (h *viewHolder) load() *View { return h.ptr.Load() }

func (h *viewHolder) store(v *View) { h.ptr.Store(v) }

// buildView replays committed operations in commit order into an empty state
// map, then decodes the survivors into typed documents. The operation trail,
// not the state table, is the source: the view doubles as a consistency
// check that the trail is complete.
func buildView(ctx context.Context, store *storage.Store) (*View, error) {
	ops, err := store.CommittedOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load committed operations: %w", err)
	}

	type stateKey struct{ table, entity string }
	state := make(map[stateKey]json.RawMessage)
	for _, op := range ops {
		key := stateKey{op.TableName, op.EntityID}
		switch op.Type {
		case storage.OpInsert, storage.OpUpdate:
			state[key] = op.NewValue
		case storage.OpDelete:
			delete(state, key)
		}
	}

	v := &View{
		BuiltAt:    time.Now(),
		Orders:     make(map[string]storage.Order),
		Positions:  make(map[string]storage.Position),
		Strategies: make(map[string]storage.Strategy),
		Portfolios: make(map[string]storage.PortfolioBalance),
	}
	for key, raw := range state {
		switch key.table {
		case storage.TableOrders:
			var o storage.Order
			if err := json.Unmarshal(raw, &o); err == nil {
				v.Orders[key.entity] = o
			}
		case storage.TablePositions:
			var p storage.Position
			if err := json.Unmarshal(raw, &p); err == nil {
				v.Positions[key.entity] = p
			}
		case storage.TableStrategies:
			var st storage.Strategy
			if err := json.Unmarshal(raw, &st); err == nil {
				v.Strategies[key.entity] = st
			}
		case storage.TablePortfolios:
			var b storage.PortfolioBalance
			if err := json.Unmarshal(raw, &b); err == nil {
				v.Portfolios[key.entity] = b
			}
		}
	}
	return v, nil
}
