package txns

import (
	"sync"

	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
)

type lockManager[LockModeType DatabaseLock[LockModeType], ObjectID comparable] struct {
	qsGuard sync.Mutex
	qs      map[ObjectID]*txnQueue[LockModeType, ObjectID]

	lockedRecords map[common.TxnID]map[ObjectID]struct{}
}

func NewManager[LockModeType DatabaseLock[LockModeType], ObjectID comparable]() *lockManager[LockModeType, ObjectID] {
	return &lockManager[LockModeType, ObjectID]{
		qs:            map[ObjectID]*txnQueue[LockModeType, ObjectID]{},
		lockedRecords: map[common.TxnID]map[ObjectID]struct{}{},
	}
}

// Lock enqueues the request and returns a channel closed once the lock is
// granted. A transaction that already holds the object upgrades its mode.
// Returns nil when wait-die aborts the request; mayWait lifts that check
// for a transaction that holds nothing a waiter could need.
func (m *lockManager[LockModeType, ObjectID]) Lock(
	r TxnLockRequest[LockModeType, ObjectID],
	mayWait bool,
) <-chan struct{} {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	q, ok := m.qs[r.objectID]
	if !ok {
		q = newTxnQueue[LockModeType, ObjectID]()
		m.qs[r.objectID] = q
	}

	notifier := q.Lock(r, mayWait)
	if notifier == nil {
		m.dropIfEmpty(r.objectID, q)
		return nil
	}

	locked, ok := m.lockedRecords[r.txnID]
	if !ok {
		locked = make(map[ObjectID]struct{})
		m.lockedRecords[r.txnID] = locked
	}
	locked[r.objectID] = struct{}{}

	return notifier
}

// Cancel withdraws a request whose caller gave up waiting. Locks granted
// before the request stay held.
func (m *lockManager[LockModeType, ObjectID]) Cancel(r TxnUnlockRequest[ObjectID]) {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	q, ok := m.qs[r.objectID]
	if !ok {
		return
	}
	if q.cancel(r) {
		return
	}

	delete(m.lockedRecords[r.txnID], r.objectID)
	if len(m.lockedRecords[r.txnID]) == 0 {
		delete(m.lockedRecords, r.txnID)
	}
	m.dropIfEmpty(r.objectID, q)
}

// Unlock releases the lock held by a transaction on a specific record.
// Panics if the record is not locked by the transaction.
func (m *lockManager[LockModeType, ObjectID]) Unlock(r TxnUnlockRequest[ObjectID]) {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	locked, ok := m.lockedRecords[r.txnID]
	assert.Assert(ok,
		"expected a set of locked records for the transaction %+v to exist",
		r.txnID,
	)
	m.unlock(r)
	delete(locked, r.objectID)
	if len(locked) == 0 {
		delete(m.lockedRecords, r.txnID)
	}
}

func (m *lockManager[LockModeType, ObjectID]) unlock(r TxnUnlockRequest[ObjectID]) {
	q, present := m.qs[r.objectID]
	assert.Assert(present,
		"trying to unlock already unlocked tuple. recordID: %+v",
		r.objectID)

	q.unlock(r)
	m.dropIfEmpty(r.objectID, q)
}

func (m *lockManager[LockModeType, ObjectID]) UnlockAll(txnID common.TxnID) {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	locked, ok := m.lockedRecords[txnID]
	if !ok {
		return
	}
	delete(m.lockedRecords, txnID)

	for id := range locked {
		m.unlock(NewTxnUnlockRequest(txnID, id))
	}
}

// Holds reports whether the transaction has a granted or pending lock on
// any object.
func (m *lockManager[LockModeType, ObjectID]) Holds(txnID common.TxnID) bool {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	return len(m.lockedRecords[txnID]) > 0
}

func (m *lockManager[LockModeType, ObjectID]) dropIfEmpty(
	id ObjectID,
	q *txnQueue[LockModeType, ObjectID],
) {
	if q.IsEmpty() {
		delete(m.qs, id)
	}
}

func (m *lockManager[LockModeType, ObjectID]) GetActiveTransactions() map[common.TxnID]struct{} {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	activeTxns := make(map[common.TxnID]struct{}, len(m.lockedRecords))
	for txnID := range m.lockedRecords {
		activeTxns[txnID] = struct{}{}
	}
	return activeTxns
}

func (m *lockManager[LockModeType, ObjectID]) AreAllQueuesEmpty() bool {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	for _, q := range m.qs {
		if !q.IsEmpty() {
			return false
		}
	}

	return true
}
