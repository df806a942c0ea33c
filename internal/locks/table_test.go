package locks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
)

type fakeTx struct {
	id      uuid.UUID
	ops     int
	started time.Time
}

func (f *fakeTx) ID() uuid.UUID        { return f.id }
func (f *fakeTx) OperationCount() int  { return f.ops }
func (f *fakeTx) StartedAt() time.Time { return f.started }

func newFakeTx(ops int) *fakeTx {
	return &fakeTx{id: uuid.New(), ops: ops, started: time.Now()}
}

func TestAcquireAndRelease(t *testing.T) {
	table := NewTable(time.Second, nil, zap.NewNop())
	tx := newFakeTx(0)

	require.NoError(t, table.Acquire(context.Background(), tx, "orders:1", "orders:2"))

	snapshot := table.Snapshot()
	assert.Len(t, snapshot, 2)
	for _, rec := range snapshot {
		assert.Equal(t, tx.ID(), rec.Holder)
	}

	table.Release(tx.ID())
	assert.Empty(t, table.Snapshot())
}

func TestReacquireHeldLockIsNoop(t *testing.T) {
	table := NewTable(time.Second, nil, zap.NewNop())
	tx := newFakeTx(0)

	require.NoError(t, table.Acquire(context.Background(), tx, "orders:1"))
	require.NoError(t, table.Acquire(context.Background(), tx, "orders:1"))
	assert.Len(t, table.Snapshot(), 1)
}

func TestContendedLockHandsOverFIFO(t *testing.T) {
	table := NewTable(2*time.Second, nil, zap.NewNop())
	first := newFakeTx(0)
	second := newFakeTx(0)

	require.NoError(t, table.Acquire(context.Background(), first, "orders:1"))

	acquired := make(chan error, 1)
	go func() {
		acquired <- table.Acquire(context.Background(), second, "orders:1")
	}()

	select {
	case <-acquired:
		t.Fatal("second transaction acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	table.Release(first.ID())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lock was not handed over on release")
	}

	snapshot := table.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, second.ID(), snapshot[0].Holder)
}

func TestLockWaitTimesOut(t *testing.T) {
	table := NewTable(100*time.Millisecond, nil, zap.NewNop())
	holder := newFakeTx(0)
	waiter := newFakeTx(0)

	require.NoError(t, table.Acquire(context.Background(), holder, "orders:1"))

	err := table.Acquire(context.Background(), waiter, "orders:1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeLockTimeout))
}

func TestContextCancellationAbortsWait(t *testing.T) {
	table := NewTable(5*time.Second, nil, zap.NewNop())
	holder := newFakeTx(0)
	waiter := newFakeTx(0)

	require.NoError(t, table.Acquire(context.Background(), holder, "orders:1"))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- table.Acquire(ctx, waiter, "orders:1")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeLockTimeout))
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
}

// TestDeadlockDetection drives the classic AB/BA interleaving: tx1 holds A and
// wants B, tx2 holds B and wants A. The second wait edge closes the cycle and
// the victim (fewer operations) fails with DEADLOCK_DETECTED while the
// survivor gets its lock.
func TestDeadlockDetection(t *testing.T) {
	table := NewTable(5*time.Second, nil, zap.NewNop())
	tx1 := newFakeTx(5)
	tx2 := newFakeTx(1)

	require.NoError(t, table.Acquire(context.Background(), tx1, "orders:A"))
	require.NoError(t, table.Acquire(context.Background(), tx2, "orders:B"))

	tx1Result := make(chan error, 1)
	go func() {
		tx1Result <- table.Acquire(context.Background(), tx1, "orders:B")
	}()
	time.Sleep(50 * time.Millisecond)

	// tx2 has fewer operations, so closing the cycle makes tx2 the victim.
	err := table.Acquire(context.Background(), tx2, "orders:A")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDeadlockDetected))

	// Rolling back the victim releases B and unblocks tx1.
	table.Release(tx2.ID())
	select {
	case err := <-tx1Result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("survivor did not acquire the freed lock")
	}
}

// TestDeadlockVictimIsTheWaiter covers the other victim assignment: the
// transaction that has been waiting gets aborted through its wait channel
// when the cycle-closing transaction has less work invested.
func TestDeadlockVictimIsTheWaiter(t *testing.T) {
	table := NewTable(5*time.Second, nil, zap.NewNop())
	waiting := newFakeTx(1)
	closing := newFakeTx(5)

	require.NoError(t, table.Acquire(context.Background(), waiting, "orders:A"))
	require.NoError(t, table.Acquire(context.Background(), closing, "orders:B"))

	waitingResult := make(chan error, 1)
	go func() {
		waitingResult <- table.Acquire(context.Background(), waiting, "orders:B")
	}()
	time.Sleep(50 * time.Millisecond)

	closingResult := make(chan error, 1)
	go func() {
		closingResult <- table.Acquire(context.Background(), closing, "orders:A")
	}()

	select {
	case err := <-waitingResult:
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeDeadlockDetected))
	case <-time.After(time.Second):
		t.Fatal("victim wait was not aborted")
	}

	table.Release(waiting.ID())
	select {
	case err := <-closingResult:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("survivor did not acquire the freed lock")
	}
}

func TestVictimPolicyFewestOpsThenYoungest(t *testing.T) {
	older := &fakeTx{id: uuid.New(), ops: 3, started: time.Now().Add(-time.Minute)}
	younger := &fakeTx{id: uuid.New(), ops: 3, started: time.Now()}
	busy := &fakeTx{id: uuid.New(), ops: 10, started: time.Now().Add(-time.Hour)}

	assert.Equal(t, younger.ID(), DefaultVictimPolicy([]TxInfo{older, younger, busy}))

	light := &fakeTx{id: uuid.New(), ops: 1, started: time.Now().Add(-time.Hour)}
	assert.Equal(t, light.ID(), DefaultVictimPolicy([]TxInfo{older, younger, busy, light}))
}

func TestDeterministicAcquisitionOrderAvoidsDeadlock(t *testing.T) {
	table := NewTable(2*time.Second, nil, zap.NewNop())
	tx1 := newFakeTx(0)
	tx2 := newFakeTx(0)

	// Both request the same pair in opposite argument order. Sorting inside
	// Acquire serializes them instead of deadlocking.
	done := make(chan error, 2)
	go func() {
		if err := table.Acquire(context.Background(), tx1, "orders:B", "orders:A"); err != nil {
			done <- err
			return
		}
		time.Sleep(10 * time.Millisecond)
		table.Release(tx1.ID())
		done <- nil
	}()
	go func() {
		if err := table.Acquire(context.Background(), tx2, "orders:A", "orders:B"); err != nil {
			done <- err
			return
		}
		time.Sleep(10 * time.Millisecond)
		table.Release(tx2.ID())
		done <- nil
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("transactions did not both complete")
		}
	}
}
