package txns

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
)

func expectClosedChannel(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()

	require.NotNil(t, ch, msg)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

func expectOpenChannel(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()

	require.NotNil(t, ch, msg)
	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestManagerBasicOperation(t *testing.T) {
	m := NewManager[SimpleLockMode, common.PageID]()

	notifier := m.Lock(NewTxnLockRequest(1, common.PageID(100), SimpleLockShared), false)
	expectClosedChannel(t, notifier, "Initial lock should be granted")

	m.qsGuard.Lock()
	_, exists := m.qs[100]
	m.qsGuard.Unlock()
	assert.True(t, exists, "Manager should create queue for new record ID")

	m.Unlock(NewTxnUnlockRequest(1, common.PageID(100)))

	m.qsGuard.Lock()
	_, exists = m.qs[100]
	m.qsGuard.Unlock()
	assert.False(t, exists, "Empty queue should be dropped after unlock")
	assert.True(t, m.AreAllQueuesEmpty())
	assert.Empty(t, m.GetActiveTransactions())
}

func TestManagerConcurrentRecordAccess(t *testing.T) {
	m := NewManager[SimpleLockMode, common.PageID]()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			recordID := common.PageID(id & 1)
			txnID := common.TxnID(id + 1)
			notifier := m.Lock(NewTxnLockRequest(txnID, recordID, SimpleLockShared), false)
			expectClosedChannel(t, notifier, "Shared locks should not conflict")

			m.Unlock(NewTxnUnlockRequest(txnID, recordID))
		}(i)
	}
	wg.Wait()

	assert.True(t, m.AreAllQueuesEmpty())
}

func TestManagerUnlockPanicScenarios(t *testing.T) {
	m := NewManager[SimpleLockMode, common.PageID]()

	t.Run("NonExistentRecord", func(t *testing.T) {
		assert.Panics(t, func() {
			m.Unlock(NewTxnUnlockRequest(1, common.PageID(999)))
		})
	})

	t.Run("DoubleUnlock", func(t *testing.T) {
		notifier := m.Lock(NewTxnLockRequest(1, common.PageID(200), SimpleLockExclusive), false)
		expectClosedChannel(t, notifier, "Lock should be granted")
		m.Unlock(NewTxnUnlockRequest(1, common.PageID(200)))

		assert.Panics(t, func() {
			m.Unlock(NewTxnUnlockRequest(1, common.PageID(200)))
		})
	})
}

func TestManagerLockContention(t *testing.T) {
	m := NewManager[SimpleLockMode, common.PageID]()
	recordID := common.PageID(300)

	notifier1 := m.Lock(NewTxnLockRequest(5, recordID, SimpleLockExclusive), false)
	expectClosedChannel(t, notifier1, "First exclusive lock should be granted")

	// older transactions wait for younger ones
	notifier2 := m.Lock(NewTxnLockRequest(4, recordID, SimpleLockExclusive), false)
	expectOpenChannel(t, notifier2, "Second exclusive lock should block")

	notifier3 := m.Lock(NewTxnLockRequest(3, recordID, SimpleLockShared), false)
	expectOpenChannel(t, notifier3, "Shared lock should block behind exclusive")

	m.Unlock(NewTxnUnlockRequest(5, recordID))
	expectClosedChannel(t, notifier2, "Second lock should be granted after unlock")
	expectOpenChannel(t, notifier3, "Shared lock should still wait")

	m.Unlock(NewTxnUnlockRequest(4, recordID))
	expectClosedChannel(t, notifier3, "Shared lock should be granted after exclusives")
}

func TestManagerWaitDie(t *testing.T) {
	m := NewManager[SimpleLockMode, common.PageID]()

	older := common.TxnID(1)
	younger := common.TxnID(2)

	expectClosedChannel(t, m.Lock(NewTxnLockRequest(older, common.PageID(1), SimpleLockExclusive), false), "")
	expectClosedChannel(t, m.Lock(NewTxnLockRequest(younger, common.PageID(2), SimpleLockExclusive), false), "")

	assert.Nil(t,
		m.Lock(NewTxnLockRequest(younger, common.PageID(1), SimpleLockShared), false),
		"younger transaction should die instead of waiting for an older one",
	)

	n := m.Lock(NewTxnLockRequest(older, common.PageID(2), SimpleLockExclusive), false)
	expectOpenChannel(t, n, "older transaction should wait for a younger one")

	// the die left no trace
	assert.Equal(t, map[common.TxnID]struct{}{older: {}, younger: {}}, m.GetActiveTransactions())

	m.UnlockAll(younger)
	expectClosedChannel(t, n, "older transaction should get the lock once the younger one aborted")

	m.UnlockAll(older)
	assert.True(t, m.AreAllQueuesEmpty())
}

func TestManagerMayWaitSkipsWaitDie(t *testing.T) {
	m := NewManager[GranularLockMode, struct{}]()

	expectClosedChannel(t, m.Lock(NewTxnLockRequest(1, struct{}{}, GranularLockIntentionExclusive), false), "")

	n := m.Lock(NewTxnLockRequest(2, struct{}{}, GranularLockExclusive), true)
	expectOpenChannel(t, n, "exclusive table lock should wait for the writer")

	// arrives after the exclusive request and queues behind it
	writer := m.Lock(NewTxnLockRequest(3, struct{}{}, GranularLockIntentionExclusive), true)
	expectOpenChannel(t, writer, "new writer should queue behind the exclusive request")

	m.UnlockAll(1)
	expectClosedChannel(t, n, "exclusive lock should be granted once the writer left")
	expectOpenChannel(t, writer, "writer should wait for the exclusive holder")

	m.UnlockAll(2)
	expectClosedChannel(t, writer, "writer should be granted after the exclusive holder left")
}

func TestManagerUpgrade(t *testing.T) {
	m := NewManager[GranularLockMode, struct{}]()

	expectClosedChannel(t, m.Lock(NewTxnLockRequest(1, struct{}{}, GranularLockIntentionShared), false), "")
	expectClosedChannel(t, m.Lock(NewTxnLockRequest(2, struct{}{}, GranularLockIntentionShared), false), "")

	// IS + IX compatible, granted in place
	expectClosedChannel(t, m.Lock(NewTxnLockRequest(1, struct{}{}, GranularLockIntentionExclusive), false), "")

	// IX and S combine into SIX, still compatible with the other IS
	expectClosedChannel(t, m.Lock(NewTxnLockRequest(1, struct{}{}, GranularLockShared), false), "")

	// weaker request keeps the mode
	expectClosedChannel(t, m.Lock(NewTxnLockRequest(1, struct{}{}, GranularLockIntentionShared), false), "")

	m.qsGuard.Lock()
	mode := m.qs[struct{}{}].byTxn[1].r.lockMode
	m.qsGuard.Unlock()
	assert.Equal(t, GranularLockSharedIntentionExclusive, mode)

	// the younger one has to die instead of upgrading past the older holder
	assert.Nil(t, m.Lock(NewTxnLockRequest(2, struct{}{}, GranularLockExclusive), false))

	m.UnlockAll(2)
	n := m.Lock(NewTxnLockRequest(3, struct{}{}, GranularLockIntentionShared), false)
	expectClosedChannel(t, n, "IS is compatible with SIX")

	up := m.Lock(NewTxnLockRequest(1, struct{}{}, GranularLockExclusive), false)
	expectOpenChannel(t, up, "upgrade should wait for the younger reader")

	m.UnlockAll(3)
	expectClosedChannel(t, up, "upgrade should be granted once the reader left")
	m.UnlockAll(1)
	assert.True(t, m.AreAllQueuesEmpty())
}

func TestManagerCancel(t *testing.T) {
	m := NewManager[SimpleLockMode, common.PageID]()

	expectClosedChannel(t, m.Lock(NewTxnLockRequest(2, common.PageID(1), SimpleLockExclusive), false), "")
	n := m.Lock(NewTxnLockRequest(1, common.PageID(1), SimpleLockExclusive), false)
	expectOpenChannel(t, n, "")

	m.Cancel(NewTxnUnlockRequest(1, common.PageID(1)))
	assert.Equal(t, map[common.TxnID]struct{}{2: {}}, m.GetActiveTransactions())

	m.UnlockAll(2)
	expectOpenChannel(t, n, "cancelled request should never be granted")
	assert.True(t, m.AreAllQueuesEmpty())

	// an interrupted upgrade keeps the shared lock
	expectClosedChannel(t, m.Lock(NewTxnLockRequest(1, common.PageID(2), SimpleLockShared), false), "")
	expectClosedChannel(t, m.Lock(NewTxnLockRequest(2, common.PageID(2), SimpleLockShared), false), "")
	up := m.Lock(NewTxnLockRequest(1, common.PageID(2), SimpleLockExclusive), false)
	expectOpenChannel(t, up, "")

	m.Cancel(NewTxnUnlockRequest(1, common.PageID(2)))
	assert.True(t, m.Holds(1))
	assert.Nil(t,
		m.Lock(NewTxnLockRequest(3, common.PageID(2), SimpleLockExclusive), false),
		"shared lock of the older transaction should still be held",
	)
}

func TestHierarchyLocker(t *testing.T) {
	l := NewHierarchyLocker()
	ctx := context.Background()

	require.NoError(t, l.LockRow(ctx, 1, "a", SimpleLockExclusive))
	require.NoError(t, l.LockRow(ctx, 2, "b", SimpleLockExclusive))
	require.ErrorIs(t, l.LockRow(ctx, 2, "a", SimpleLockExclusive), ErrDeadlockPrevented)

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.LockTable(shortCtx, 3, GranularLockExclusive), context.DeadlineExceeded)
	assert.Equal(t, map[common.TxnID]struct{}{1: {}, 2: {}}, l.ActiveTransactions())

	done := make(chan error, 1)
	go func() { done <- l.LockTable(ctx, 4, GranularLockExclusive) }()

	time.Sleep(20 * time.Millisecond)
	l.Unlock(1)
	select {
	case <-done:
		t.Fatal("exclusive table lock granted while a writer holds rows")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock(2)
	require.NoError(t, <-done)

	l.Unlock(4)
	assert.True(t, l.AreAllQueuesEmpty())
	assert.Empty(t, l.ActiveTransactions())
}

func TestManagerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping slow test in short mode")
	}

	l := NewHierarchyLocker()

	numTxns := 100
	numObjects := 10
	opsPerTxn := 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	failedTxns := make(map[common.TxnID]bool)

	for i := range numTxns {
		wg.Add(1)

		go func(txn common.TxnID) {
			defer wg.Done()
			defer l.Unlock(txn)

			//nolint:gosec
			r := rand.New(rand.NewSource(int64(txn)))
			for range opsPerTxn {
				obj := r.Intn(numObjects)
				err := l.LockRow(context.Background(), txn, string(rune('a'+obj)), SimpleLockExclusive)
				if err != nil {
					assert.ErrorIs(t, err, ErrDeadlockPrevented)
					mu.Lock()
					failedTxns[txn] = true
					mu.Unlock()
					return
				}
			}
		}(common.TxnID(i + 1))
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("transactions deadlocked")
	}

	t.Logf("aborted %d of %d transactions", len(failedTxns), numTxns)
	assert.True(t, l.AreAllQueuesEmpty())
	assert.Empty(t, l.ActiveTransactions())
}
