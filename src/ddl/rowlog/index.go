package rowlog

import (
	"fmt"

	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// IndexLog collects the changes to the entries of one secondary index
// being built.
type IndexLog struct {
	*Log

	def   *rowmap.TableDef
	index string
	shape *rowfmt.Shape
	blobs common.BlobReader
}

var _ common.RowLogger = &IndexLog{}

// NewIndexLog creates the log of index, which must be defined in def.
// Off-page values of logged rows are read from blobs while the row is
// being logged.
func NewIndexLog(
	def *rowmap.TableDef,
	index string,
	blobs common.BlobReader,
	cfg Config,
) (*IndexLog, error) {
	shape := def.EntryShape(index)
	if shape == nil {
		return nil, fmt.Errorf("%w: no index %q in table %q", rowmap.ErrInvalidDefinition, index, def.Name)
	}

	l, err := newLog(index, cfg)
	if err != nil {
		return nil, err
	}
	return &IndexLog{
		Log:   l,
		def:   def,
		index: index,
		shape: shape,
		blobs: blobs,
	}, nil
}

func (l *IndexLog) Shape() *rowfmt.Shape {
	return l.shape
}

func (l *IndexLog) entry(tag RecordTypeTag, e rowfmt.Tuple, trxID common.TxnID) {
	if l.Err() != nil {
		return
	}

	rec := appendHeader(make([]byte, 0, headerSize+64), tag, trxID)
	rec, err := rowfmt.EncodeSort(rec, l.shape, e)
	if err != nil {
		l.SetError(fmt.Errorf("failed to log an entry of index %q: %w", l.index, err))
		return
	}
	l.append(rec, trxID)
}

func (l *IndexLog) InsertEntry(e rowfmt.Tuple, trxID common.TxnID) {
	l.entry(TypeInsert, e, trxID)
}

func (l *IndexLog) DeleteEntry(e rowfmt.Tuple, trxID common.TxnID) {
	l.entry(TypeDelete, e, trxID)
}

func (l *IndexLog) build(rec rowfmt.Tuple) (rowfmt.Tuple, bool) {
	e, err := l.def.Entry(l.index, rec, l.blobs)
	if err != nil {
		l.SetError(fmt.Errorf("failed to build an entry of index %q: %w", l.index, err))
		return nil, false
	}
	return e, true
}

func (l *IndexLog) LogInsert(row rowfmt.Tuple, trxID common.TxnID) {
	if e, ok := l.build(row); ok {
		l.InsertEntry(e, trxID)
	}
}

// LogUpdate logs nothing when the entry does not change.
func (l *IndexLog) LogUpdate(oldRow, newRow rowfmt.Tuple, trxID common.TxnID) {
	oldEntry, ok := l.build(oldRow)
	if !ok {
		return
	}
	newEntry, ok := l.build(newRow)
	if !ok {
		return
	}

	if oldEntry.Equal(newEntry) {
		return
	}
	l.DeleteEntry(oldEntry, trxID)
	l.InsertEntry(newEntry, trxID)
}

func (l *IndexLog) LogDelete(oldRow rowfmt.Tuple, trxID common.TxnID) {
	if e, ok := l.build(oldRow); ok {
		l.DeleteEntry(e, trxID)
	}
}

// Off-page values are copied into the entries when they are logged.

func (l *IndexLog) BlobAlloc(common.PageID) {}

func (l *IndexLog) BlobFree(common.PageID) {}

type indexCodec struct {
	shape *rowfmt.Shape
}

func (c indexCodec) decode(b []byte, a *rowfmt.Arena) (Record, int, error) {
	tag, trxID, err := decodeHeader(b)
	if err != nil {
		return Record{}, 0, err
	}
	if tag == TypeUpdate {
		return Record{}, 0, fmt.Errorf("%w: update record in an index log", dberr.ErrCorruption)
	}

	e, n, err := rowfmt.Decode(b[headerSize:], c.shape, a)
	if err != nil {
		return Record{}, 0, err
	}
	return Record{Tag: tag, TrxID: trxID, Row: e}, headerSize + n, nil
}

func (c indexCodec) dump(r *Record) string {
	return r.format(c.shape, c.shape)
}
