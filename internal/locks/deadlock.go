package locks

import (
	"github.com/google/uuid"
)

// VictimPolicy selects which member of a wait cycle fails so the others can
// proceed. The cycle slice is ordered along the wait-for chain. The policy is
// configurable; the default is a heuristic, not a contract.
type VictimPolicy func(cycle []TxInfo) uuid.UUID

// DefaultVictimPolicy picks the transaction with the fewest operations
// executed so far, tie-broken by youngest start time, so the least-invested
// work is redone.
func DefaultVictimPolicy(cycle []TxInfo) uuid.UUID {
	victim := cycle[0]
	for _, tx := range cycle[1:] {
		switch {
		case tx.OperationCount() < victim.OperationCount():
			victim = tx
		case tx.OperationCount() == victim.OperationCount() && tx.StartedAt().After(victim.StartedAt()):
			victim = tx
		}
	}
	return victim.ID()
}

// findCycleLocked walks the wait-for graph from start. Every transaction has
// at most one pending wait, so each node has at most one outgoing edge and
// detection reduces to following the successor chain: start waits on the
// holder of its key, that holder may itself be waiting, and so on. A walk
// that returns to start is a cycle; a walk that reaches a running (non-
// waiting) transaction is not.
func (t *Table) findCycleLocked(start uuid.UUID) []uuid.UUID {
	chain := []uuid.UUID{start}
	seen := map[uuid.UUID]struct{}{start: {}}

	current := start
	for {
		w, waiting := t.waits[current]
		if !waiting {
			return nil
		}
		next, held := t.holders[w.key]
		if !held {
			return nil
		}
		if next == start {
			return chain
		}
		if _, visited := seen[next]; visited {
			// A cycle not involving start; its own members detected it
			// when their edges were inserted.
			return nil
		}
		chain = append(chain, next)
		seen[next] = struct{}{}
		current = next
	}
}

// cycleInfoLocked resolves cycle member ids to their TxInfo.
func (t *Table) cycleInfoLocked(cycle []uuid.UUID) []TxInfo {
	infos := make([]TxInfo, 0, len(cycle))
	for _, id := range cycle {
		if info, ok := t.txs[id]; ok {
			infos = append(infos, info)
		}
	}
	return infos
}
