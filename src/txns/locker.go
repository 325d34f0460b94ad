package txns

import (
	"context"
	"errors"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
)

// ErrDeadlockPrevented is returned when a younger transaction asks for a
// lock an older one holds or waits for.
var ErrDeadlockPrevented = errors.New("lock request aborted to prevent a deadlock")

// HierarchyLocker guards one table. The table lock is the metadata lock:
// writers take it in intention mode before locking rows, schema changes
// take it exclusively. Row locks are keyed by the encoded primary key.
type HierarchyLocker struct {
	tableLockManager *lockManager[GranularLockMode, struct{}]
	rowLockManager   *lockManager[SimpleLockMode, string]
}

func NewHierarchyLocker() *HierarchyLocker {
	return &HierarchyLocker{
		tableLockManager: NewManager[GranularLockMode, struct{}](),
		rowLockManager:   NewManager[SimpleLockMode, string](),
	}
}

// LockTable waits until the table is locked in mode. A transaction that
// holds no row lock never deadlocks on the table, so it is always allowed
// to wait.
func (l *HierarchyLocker) LockTable(
	ctx context.Context,
	txnID common.TxnID,
	mode GranularLockMode,
) error {
	mayWait := !l.rowLockManager.Holds(txnID)
	n := l.tableLockManager.Lock(NewTxnLockRequest(txnID, struct{}{}, mode), mayWait)
	return wait(ctx, n, func() {
		l.tableLockManager.Cancel(NewTxnUnlockRequest(txnID, struct{}{}))
	})
}

// LockRow locks a row after taking the matching intention lock on the
// table.
func (l *HierarchyLocker) LockRow(
	ctx context.Context,
	txnID common.TxnID,
	row string,
	mode SimpleLockMode,
) error {
	intention := GranularLockIntentionShared
	if mode == SimpleLockExclusive {
		intention = GranularLockIntentionExclusive
	}
	if err := l.LockTable(ctx, txnID, intention); err != nil {
		return err
	}

	n := l.rowLockManager.Lock(NewTxnLockRequest(txnID, row, mode), false)
	return wait(ctx, n, func() {
		l.rowLockManager.Cancel(NewTxnUnlockRequest(txnID, row))
	})
}

// Unlock releases every lock of the transaction, rows first.
func (l *HierarchyLocker) Unlock(txnID common.TxnID) {
	l.rowLockManager.UnlockAll(txnID)
	l.tableLockManager.UnlockAll(txnID)
}

func (l *HierarchyLocker) ActiveTransactions() map[common.TxnID]struct{} {
	active := l.tableLockManager.GetActiveTransactions()
	for id := range l.rowLockManager.GetActiveTransactions() {
		active[id] = struct{}{}
	}
	return active
}

func (l *HierarchyLocker) AreAllQueuesEmpty() bool {
	return l.tableLockManager.AreAllQueuesEmpty() &&
		l.rowLockManager.AreAllQueuesEmpty()
}

func wait(ctx context.Context, n <-chan struct{}, cancel func()) error {
	if n == nil {
		return ErrDeadlockPrevented
	}

	select {
	case <-n:
		return nil
	default:
	}

	select {
	case <-n:
		return nil
	case <-ctx.Done():
		// a grant that raced the cancellation stays held until Unlock
		cancel()
		return ctx.Err()
	}
}
