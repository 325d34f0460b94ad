package common

import "github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"

type TxnID uint64

const NilTxnID = TxnID(0)

// LogOffset is a byte position in an online log.
type LogOffset uint64

// PageID numbers an off-page value page.
type PageID uint32

type BlobReader interface {
	ReadBlob(ref rowfmt.BlobRef) ([]byte, error)
}

// RowLogger receives every change made to a table while an online build
// is attached to it. Calls are made while the table latch is held
// exclusively, in the order the changes become visible.
type RowLogger interface {
	LogInsert(row rowfmt.Tuple, trxID TxnID)
	LogUpdate(oldRow, newRow rowfmt.Tuple, trxID TxnID)
	LogDelete(oldRow rowfmt.Tuple, trxID TxnID)

	BlobAlloc(page PageID)
	BlobFree(page PageID)
}

// ClusteredCursor walks a table in primary key order. Next may only be
// called between Lock and Unlock. After the latch has been released the
// cursor continues after the last row it returned.
type ClusteredCursor interface {
	Lock()
	Unlock()
	Next() (rowfmt.Tuple, bool, error)

	// Waiters reports whether writers are blocked on the latch.
	Waiters() bool
}
