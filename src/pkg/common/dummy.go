package common

import "github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"

type DummyRowLogger struct{}

var dummyLogger DummyRowLogger = DummyRowLogger{}

var _ RowLogger = &DummyRowLogger{}

func NoLogs() *DummyRowLogger {
	return &dummyLogger
}

func (l *DummyRowLogger) LogInsert(rowfmt.Tuple, TxnID) {}

func (l *DummyRowLogger) LogUpdate(rowfmt.Tuple, rowfmt.Tuple, TxnID) {}

func (l *DummyRowLogger) LogDelete(rowfmt.Tuple, TxnID) {}

func (l *DummyRowLogger) BlobAlloc(PageID) {}

func (l *DummyRowLogger) BlobFree(PageID) {}

// MultiRowLogger fans a change out to several loggers.
type MultiRowLogger []RowLogger

var _ RowLogger = MultiRowLogger(nil)

func (m MultiRowLogger) LogInsert(row rowfmt.Tuple, trxID TxnID) {
	for _, l := range m {
		l.LogInsert(row, trxID)
	}
}

func (m MultiRowLogger) LogUpdate(oldRow, newRow rowfmt.Tuple, trxID TxnID) {
	for _, l := range m {
		l.LogUpdate(oldRow, newRow, trxID)
	}
}

func (m MultiRowLogger) LogDelete(oldRow rowfmt.Tuple, trxID TxnID) {
	for _, l := range m {
		l.LogDelete(oldRow, trxID)
	}
}

func (m MultiRowLogger) BlobAlloc(page PageID) {
	for _, l := range m {
		l.BlobAlloc(page)
	}
}

func (m MultiRowLogger) BlobFree(page PageID) {
	for _, l := range m {
		l.BlobFree(page)
	}
}
