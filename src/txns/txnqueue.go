package txns

import (
	"slices"

	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
)

type entryStatus byte

const (
	entryStatusAcquired entryStatus = iota
	entryStatusWaitUpgrade
	entryStatusWaitAcquire
)

func (s entryStatus) String() string {
	switch s {
	case entryStatusAcquired:
		return "acquired"
	case entryStatusWaitUpgrade:
		return "wait-upgrade"
	case entryStatusWaitAcquire:
		return "wait-acquire"
	}
	panic("invalid entry status")
}

type txnQueueEntry[LockModeType DatabaseLock[LockModeType], ObjectIDType comparable] struct {
	r        TxnLockRequest[LockModeType, ObjectIDType]
	notifier chan struct{}
	status   entryStatus

	// mode waited for by an entry upgrading its lock; r.lockMode stays
	// granted meanwhile
	upgrade LockModeType
}

// txnQueue holds the requests for one object in arrival order. Granted
// entries and the upgrades they wait for are served before any new
// request. The queue is guarded by the lock manager.
type txnQueue[LockModeType DatabaseLock[LockModeType], ObjectIDType comparable] struct {
	entries []*txnQueueEntry[LockModeType, ObjectIDType]
	byTxn   map[common.TxnID]*txnQueueEntry[LockModeType, ObjectIDType]
}

func newTxnQueue[LockModeType DatabaseLock[LockModeType], ObjectIDType comparable]() *txnQueue[LockModeType, ObjectIDType] {
	return &txnQueue[LockModeType, ObjectIDType]{
		byTxn: make(map[common.TxnID]*txnQueueEntry[LockModeType, ObjectIDType]),
	}
}

// checkDeadlockCondition implements wait-die: only older transactions can
// wait for younger ones, a younger one is aborted instead.
func checkDeadlockCondition(enqueuedTxnID common.TxnID, requestingTxnID common.TxnID) bool {
	return enqueuedTxnID < requestingTxnID
}

func closedNotifier() chan struct{} {
	n := make(chan struct{})
	close(n)
	return n
}

// compatibleWithHeld reports whether mode can be granted next to every
// mode held by the other entries.
func (q *txnQueue[LockModeType, ObjectIDType]) compatibleWithHeld(
	mode LockModeType,
	self *txnQueueEntry[LockModeType, ObjectIDType],
) bool {
	for _, e := range q.entries {
		if e == self || e.status == entryStatusWaitAcquire {
			continue
		}
		if !mode.Compatible(e.r.lockMode) {
			return false
		}
	}
	return true
}

// diesFor reports whether txnID would have to wait for an older
// transaction: one holding an incompatible mode or queued in front.
func (q *txnQueue[LockModeType, ObjectIDType]) diesFor(
	txnID common.TxnID,
	mode LockModeType,
	self *txnQueueEntry[LockModeType, ObjectIDType],
) bool {
	for _, e := range q.entries {
		if e == self {
			continue
		}
		conflicts := e.status != entryStatusAcquired || !mode.Compatible(e.r.lockMode)
		if conflicts && checkDeadlockCondition(e.r.txnID, txnID) {
			return true
		}
	}
	return false
}

func (q *txnQueue[LockModeType, ObjectIDType]) waiting() bool {
	for _, e := range q.entries {
		if e.status != entryStatusAcquired {
			return true
		}
	}
	return false
}

// Lock returns a channel closed once the lock is granted, or nil when the
// request would have to wait and mayWait is not set while wait-die forbids
// it. A transaction that already has an entry upgrades it.
func (q *txnQueue[LockModeType, ObjectIDType]) Lock(
	r TxnLockRequest[LockModeType, ObjectIDType],
	mayWait bool,
) <-chan struct{} {
	if e, ok := q.byTxn[r.txnID]; ok {
		return q.Upgrade(e, r.lockMode)
	}

	if !q.waiting() && q.compatibleWithHeld(r.lockMode, nil) {
		e := &txnQueueEntry[LockModeType, ObjectIDType]{
			r:        r,
			notifier: closedNotifier(),
			status:   entryStatusAcquired,
		}
		q.entries = append(q.entries, e)
		q.byTxn[r.txnID] = e
		return e.notifier
	}

	if !mayWait && q.diesFor(r.txnID, r.lockMode, nil) {
		return nil
	}

	e := &txnQueueEntry[LockModeType, ObjectIDType]{
		r:        r,
		notifier: make(chan struct{}),
		status:   entryStatusWaitAcquire,
	}
	q.entries = append(q.entries, e)
	q.byTxn[r.txnID] = e
	return e.notifier
}

// Upgrade strengthens the granted lock of e to cover mode. An upgrade is
// never allowed to wait for an older transaction.
func (q *txnQueue[LockModeType, ObjectIDType]) Upgrade(
	e *txnQueueEntry[LockModeType, ObjectIDType],
	mode LockModeType,
) <-chan struct{} {
	assert.Assert(
		e.status == entryStatusAcquired,
		"transaction %d upgrades a lock it is still waiting for (%v)",
		e.r.txnID, e.status,
	)

	if mode.WeakerOrEqual(e.r.lockMode) {
		return e.notifier
	}

	want := mode.Combine(e.r.lockMode)
	if q.compatibleWithHeld(want, e) {
		e.r.lockMode = want
		return e.notifier
	}

	if q.diesFor(e.r.txnID, want, e) {
		return nil
	}

	e.status = entryStatusWaitUpgrade
	e.upgrade = want
	e.notifier = make(chan struct{})
	return e.notifier
}

// unlock drops the entry of txnID whether it was granted or still waiting
// and grants what became possible.
func (q *txnQueue[LockModeType, ObjectIDType]) unlock(r TxnUnlockRequest[ObjectIDType]) {
	e, ok := q.byTxn[r.txnID]
	assert.Assert(ok, "transaction %d holds no lock on %v", r.txnID, r.objectID)

	delete(q.byTxn, r.txnID)
	q.entries = slices.DeleteFunc(q.entries, func(o *txnQueueEntry[LockModeType, ObjectIDType]) bool {
		return o == e
	})
	q.processBatch()
}

// processBatch serves pending upgrades first and then grants waiting
// requests in arrival order up to the first one that has to keep waiting.
func (q *txnQueue[LockModeType, ObjectIDType]) processBatch() {
	upgrading := false
	for _, e := range q.entries {
		if e.status != entryStatusWaitUpgrade {
			continue
		}
		if !q.compatibleWithHeld(e.upgrade, e) {
			upgrading = true
			continue
		}
		e.r.lockMode = e.upgrade
		e.status = entryStatusAcquired
		close(e.notifier)
	}
	if upgrading {
		return
	}

	for _, e := range q.entries {
		if e.status != entryStatusWaitAcquire {
			continue
		}
		if !q.compatibleWithHeld(e.r.lockMode, e) {
			return
		}
		e.status = entryStatusAcquired
		close(e.notifier)
	}
}

// cancel withdraws a request that is still waiting. An interrupted upgrade
// keeps the mode granted before it. It reports whether the transaction
// still holds a lock on the object.
func (q *txnQueue[LockModeType, ObjectIDType]) cancel(r TxnUnlockRequest[ObjectIDType]) bool {
	e, ok := q.byTxn[r.txnID]
	if !ok {
		return false
	}
	switch e.status {
	case entryStatusAcquired:
		return true
	case entryStatusWaitUpgrade:
		e.status = entryStatusAcquired
		e.notifier = closedNotifier()
		q.processBatch()
		return true
	default:
		q.unlock(r)
		return false
	}
}

func (q *txnQueue[LockModeType, ObjectIDType]) IsEmpty() bool {
	return len(q.entries) == 0
}
