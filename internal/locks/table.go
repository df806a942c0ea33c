// Package locks implements the in-memory resource lock table of the
// transaction manager and the wait-for-graph deadlock detector that runs
// synchronously on every blocking lock wait.
package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/metrics"
)

// Key builds the canonical resource lock key for an entity.
func Key(table, entityID string) string {
	return table + ":" + entityID
}

// TxInfo is what the lock table needs to know about a transaction: identity
// for the wait-for graph and the inputs of victim selection.
type TxInfo interface {
	ID() uuid.UUID
	OperationCount() int
	StartedAt() time.Time
}

// LockRecord is a point-in-time view of one held lock, for observability.
type LockRecord struct {
	Resource   string    `json:"resource"`
	Holder     uuid.UUID `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// waiter is one transaction blocked on one resource. A transaction acquires
// locks sequentially, so it has at most one pending waiter at a time.
type waiter struct {
	tx      TxInfo
	key     string
	ch      chan error
	granted bool
}

// Table is the per-resource lock table. Locks are exclusive; acquisition
// order is deterministic (lexicographic by key) to minimize deadlocks.
type Table struct {
	logger  *zap.Logger
	timeout time.Duration
	policy  VictimPolicy

	mu      sync.Mutex
	holders map[string]uuid.UUID
	since   map[string]time.Time
	queues  map[string][]*waiter
	held    map[uuid.UUID]map[string]struct{}
	waits   map[uuid.UUID]*waiter
	txs     map[uuid.UUID]TxInfo
}

// NewTable creates a lock table. A nil policy selects the default victim
// policy (fewest operations, tie-broken by youngest start).
func NewTable(timeout time.Duration, policy VictimPolicy, logger *zap.Logger) *Table {
	if policy == nil {
		policy = DefaultVictimPolicy
	}
	return &Table{
		logger:  logger.Named("locks"),
		timeout: timeout,
		policy:  policy,
		holders: make(map[string]uuid.UUID),
		since:   make(map[string]time.Time),
		queues:  make(map[string][]*waiter),
		held:    make(map[uuid.UUID]map[string]struct{}),
		waits:   make(map[uuid.UUID]*waiter),
		txs:     make(map[uuid.UUID]TxInfo),
	}
}

// Acquire takes the given resource locks for tx, in lexicographic key order.
// It blocks while a key is held by another transaction; the wait feeds the
// deadlock detector. On failure the caller still holds whatever it held
// before plus the keys acquired so far, and is expected to roll back, which
// releases everything.
func (t *Table) Acquire(ctx context.Context, tx TxInfo, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		if err := t.acquireOne(ctx, tx, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) acquireOne(ctx context.Context, tx TxInfo, key string) error {
	t.mu.Lock()
	t.txs[tx.ID()] = tx

	holder, taken := t.holders[key]
	if !taken || holder == tx.ID() {
		t.grantLocked(tx.ID(), key)
		t.mu.Unlock()
		return nil
	}

	w := &waiter{tx: tx, key: key, ch: make(chan error, 1)}
	t.queues[key] = append(t.queues[key], w)
	t.waits[tx.ID()] = w

	// Synchronous cycle check on every new wait edge bounds detection
	// latency to a single blocking acquire.
	if cycle := t.findCycleLocked(tx.ID()); cycle != nil {
		victim := t.policy(t.cycleInfoLocked(cycle))
		metrics.DeadlocksDetected.Inc()
		t.logger.Warn("deadlock detected",
			zap.String("waiting_tx", tx.ID().String()),
			zap.String("victim", victim.String()),
			zap.Int("cycle_len", len(cycle)))
		t.abortWaiterLocked(victim, tx.ID())
		if victim == tx.ID() {
			t.mu.Unlock()
			return errors.New(errors.CodeDeadlockDetected, "transaction selected as deadlock victim").WithResource(key)
		}
	}
	t.mu.Unlock()

	metrics.LockWaits.Inc()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		return t.cancelWait(w, errors.Wrap(errors.CodeLockTimeout, "lock wait cancelled", ctx.Err()).WithResource(key))
	case <-timer.C:
		metrics.LockTimeouts.Inc()
		return t.cancelWait(w, errors.Newf(errors.CodeLockTimeout, "lock wait exceeded %s", t.timeout).WithResource(key))
	}
}

// cancelWait removes a waiter after a timeout or cancellation. The grant may
// have raced the timer, in which case the lock is kept and the wait succeeds.
func (t *Table) cancelWait(w *waiter, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.granted {
		return nil
	}
	t.removeWaiterLocked(w)
	return cause
}

// Release frees every lock held by tx and hands each one to the next waiter
// in FIFO order.
func (t *Table) Release(txID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.held[txID] {
		delete(t.holders, key)
		delete(t.since, key)
		t.promoteLocked(key)
	}
	delete(t.held, txID)
	delete(t.txs, txID)
}

// Snapshot returns the currently held locks.
func (t *Table) Snapshot() []LockRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := make([]LockRecord, 0, len(t.holders))
	for key, holder := range t.holders {
		records = append(records, LockRecord{
			Resource:   key,
			Holder:     holder,
			AcquiredAt: t.since[key],
		})
	}
	return records
}

func (t *Table) grantLocked(txID uuid.UUID, key string) {
	t.holders[key] = txID
	if _, ok := t.since[key]; !ok {
		t.since[key] = time.Now()
	}
	if t.held[txID] == nil {
		t.held[txID] = make(map[string]struct{})
	}
	t.held[txID][key] = struct{}{}
}

// promoteLocked grants a freed key to the head of its wait queue.
func (t *Table) promoteLocked(key string) {
	queue := t.queues[key]
	if len(queue) == 0 {
		delete(t.queues, key)
		return
	}
	next := queue[0]
	t.queues[key] = queue[1:]
	if len(t.queues[key]) == 0 {
		delete(t.queues, key)
	}
	t.grantLocked(next.tx.ID(), key)
	t.since[key] = time.Now()
	next.granted = true
	delete(t.waits, next.tx.ID())
	next.ch <- nil
}

func (t *Table) removeWaiterLocked(w *waiter) {
	queue := t.queues[w.key]
	for i, queued := range queue {
		if queued == w {
			t.queues[w.key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(t.queues[w.key]) == 0 {
		delete(t.queues, w.key)
	}
	delete(t.waits, w.tx.ID())
}

// abortWaiterLocked fails the victim's pending wait with DEADLOCK_DETECTED.
// Every member of a cycle is blocked by construction, so the victim always
// has a pending waiter. When the victim is the transaction whose edge closed
// the cycle (self), its waiter is only removed; acquireOne returns the error
// directly without reading the channel.
func (t *Table) abortWaiterLocked(victim, self uuid.UUID) {
	w, ok := t.waits[victim]
	if !ok {
		return
	}
	t.removeWaiterLocked(w)
	if victim != self {
		w.ch <- errors.New(errors.CodeDeadlockDetected, "transaction selected as deadlock victim").WithResource(w.key)
	}
}
