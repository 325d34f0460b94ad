package txns

import (
	"fmt"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
)

type TaggedType[T any] struct{ v T } // keeps one lock mode type from being cast to another

type SimpleLockMode TaggedType[uint8]
type GranularLockMode TaggedType[uint8]

type DatabaseLock[Lock any] interface {
	fmt.Stringer
	Compatible(Lock) bool
	Combine(Lock) Lock
	WeakerOrEqual(Lock) bool
}

var (
	SimpleLockShared    = SimpleLockMode{0}
	SimpleLockExclusive = SimpleLockMode{1}
)

var (
	GranularLockIntentionShared          = GranularLockMode{0}
	GranularLockIntentionExclusive       = GranularLockMode{1}
	GranularLockShared                   = GranularLockMode{2}
	GranularLockSharedIntentionExclusive = GranularLockMode{3}
	GranularLockExclusive                = GranularLockMode{4}
)

func (m SimpleLockMode) String() string {
	switch m {
	case SimpleLockShared:
		return "SHARED"
	case SimpleLockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("SimpleLockMode(%d)", m.v)
	}
}

func (m SimpleLockMode) Compatible(other SimpleLockMode) bool {
	return m == SimpleLockShared && other == SimpleLockShared
}

func (m SimpleLockMode) Combine(other SimpleLockMode) SimpleLockMode {
	if m == SimpleLockExclusive || other == SimpleLockExclusive {
		return SimpleLockExclusive
	}
	return SimpleLockShared
}

func (m SimpleLockMode) WeakerOrEqual(other SimpleLockMode) bool {
	return m == SimpleLockShared || other == SimpleLockExclusive
}

func (m GranularLockMode) String() string {
	switch m {
	case GranularLockIntentionShared:
		return "INTENTION_SHARED"
	case GranularLockIntentionExclusive:
		return "INTENTION_EXCLUSIVE"
	case GranularLockShared:
		return "SHARED"
	case GranularLockSharedIntentionExclusive:
		return "SHARED_INTENTION_EXCLUSIVE"
	case GranularLockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("GranularLockMode(%d)", m.v)
	}
}

// https://www.geeksforgeeks.org/dbms/multiple-granularity-locking-in-dbms/
var granularCompatible = [5][5]bool{
	//   IS     IX     S      SIX    X
	{true, true, true, true, false},     // IS
	{true, true, false, false, false},   // IX
	{true, false, true, false, false},   // S
	{true, false, false, false, false},  // SIX
	{false, false, false, false, false}, // X
}

// granularWeaker[a][b] is set when b grants everything a does.
var granularWeaker = [5][5]bool{
	//   IS     IX     S      SIX    X
	{true, true, true, true, true},     // IS
	{false, true, false, true, true},   // IX
	{false, false, true, true, true},   // S
	{false, false, false, true, true},  // SIX
	{false, false, false, false, true}, // X
}

func (m GranularLockMode) Compatible(other GranularLockMode) bool {
	return granularCompatible[m.v][other.v]
}

func (m GranularLockMode) WeakerOrEqual(other GranularLockMode) bool {
	return granularWeaker[m.v][other.v]
}

// Combine returns the weakest mode that grants both m and other.
func (m GranularLockMode) Combine(other GranularLockMode) GranularLockMode {
	switch {
	case m.WeakerOrEqual(other):
		return other
	case other.WeakerOrEqual(m):
		return m
	default:
		// IX and S
		return GranularLockSharedIntentionExclusive
	}
}

var (
	_ DatabaseLock[SimpleLockMode]   = SimpleLockMode{}
	_ DatabaseLock[GranularLockMode] = GranularLockMode{}
)

type TxnLockRequest[LockModeType DatabaseLock[LockModeType], ObjectIDType comparable] struct {
	txnID    common.TxnID
	objectID ObjectIDType
	lockMode LockModeType
}

func NewTxnLockRequest[LockModeType DatabaseLock[LockModeType], ObjectIDType comparable](
	txnID common.TxnID,
	objectID ObjectIDType,
	lockMode LockModeType,
) TxnLockRequest[LockModeType, ObjectIDType] {
	return TxnLockRequest[LockModeType, ObjectIDType]{
		txnID:    txnID,
		objectID: objectID,
		lockMode: lockMode,
	}
}

type TxnUnlockRequest[ObjectIDType comparable] struct {
	txnID    common.TxnID
	objectID ObjectIDType
}

func NewTxnUnlockRequest[ObjectIDType comparable](
	txnID common.TxnID,
	objectID ObjectIDType,
) TxnUnlockRequest[ObjectIDType] {
	return TxnUnlockRequest[ObjectIDType]{txnID: txnID, objectID: objectID}
}
