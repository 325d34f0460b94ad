package rowlog

import (
	"fmt"

	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// RebuildLog collects the changes made to a table while it is copied into
// a new definition. Rows are logged in the source record format; columns
// of the new primary key are stored inline so that a row can always be
// located, even when its off-page values are gone by the time the record
// is applied.
type RebuildLog struct {
	*Log

	mapper   *rowmap.Mapper
	blobs    common.BlobReader
	tracking *BlobTrackingMap
	keyCols  []int
}

var _ common.RowLogger = &RebuildLog{}

func NewRebuildLog(mapper *rowmap.Mapper, blobs common.BlobReader, cfg Config) (*RebuildLog, error) {
	if !mapper.Rebuild() {
		return nil, fmt.Errorf("%w: not a rebuild mapping", rowmap.ErrInvalidDefinition)
	}

	l, err := newLog(mapper.To().Name, cfg)
	if err != nil {
		return nil, err
	}
	return &RebuildLog{
		Log:      l,
		mapper:   mapper,
		blobs:    blobs,
		tracking: NewBlobTrackingMap(),
		keyCols:  mapper.KeySources(),
	}, nil
}

func (l *RebuildLog) Mapper() *rowmap.Mapper {
	return l.mapper
}

func (l *RebuildLog) BlobTracking() *BlobTrackingMap {
	return l.tracking
}

func (l *RebuildLog) fail(err error) {
	l.SetError(fmt.Errorf("failed to log a change of table %q: %w", l.mapper.From().Name, err))
}

func (l *RebuildLog) appendRow(dst []byte, row rowfmt.Tuple) ([]byte, error) {
	inline, copied := row, false
	for _, pos := range l.keyCols {
		f := row[pos]
		if !f.Ext {
			continue
		}

		ref, err := rowfmt.DecodeBlobRef(f.Data)
		if err != nil {
			return dst, fmt.Errorf("%w: %w", dberr.ErrCorruption, err)
		}
		value, err := l.blobs.ReadBlob(ref)
		if err != nil {
			return dst, err
		}

		if !copied {
			inline = make(rowfmt.Tuple, len(row))
			copy(inline, row)
			copied = true
		}
		inline[pos] = rowfmt.Field{Data: value}
	}
	return rowfmt.Encode(dst, l.mapper.From().RecordShape(), inline)
}

func (l *RebuildLog) appendKey(dst []byte, row rowfmt.Tuple) ([]byte, error) {
	key, err := l.mapper.NewKey(row, l.blobs)
	if err != nil {
		return dst, err
	}
	return rowfmt.EncodeSort(dst, l.mapper.To().KeyShape(), key)
}

// Insert logs a row that became visible.
func (l *RebuildLog) Insert(row rowfmt.Tuple, trxID common.TxnID) {
	if l.Err() != nil {
		return
	}

	rec, err := l.appendRow(appendHeader(nil, TypeInsert, trxID), row)
	if err != nil {
		l.fail(err)
		return
	}
	l.append(rec, trxID)
}

// Update logs a change that keeps the primary key of the source table.
// The old row is located by its key in the new primary key, which is
// logged only when the two primary keys differ.
func (l *RebuildLog) Update(oldRow, newRow rowfmt.Tuple, trxID common.TxnID) {
	if l.Err() != nil {
		return
	}

	from := l.mapper.From()
	if from.KeyShape().Compare(from.Key(oldRow), from.Key(newRow)) != 0 {
		l.fail(fmt.Errorf("%w: update changes the primary key", dberr.ErrCorruption))
		return
	}

	rec := appendHeader(nil, TypeUpdate, trxID)
	var err error
	if !l.mapper.SamePK() {
		if rec, err = l.appendKey(rec, oldRow); err != nil {
			l.fail(err)
			return
		}
	}
	if rec, err = l.appendRow(rec, newRow); err != nil {
		l.fail(err)
		return
	}
	l.append(rec, trxID)
}

// Delete logs the removal of a row by its key in the new primary key.
func (l *RebuildLog) Delete(oldRow rowfmt.Tuple, trxID common.TxnID) {
	if l.Err() != nil {
		return
	}

	rec, err := l.appendKey(appendHeader(nil, TypeDelete, trxID), oldRow)
	if err != nil {
		l.fail(err)
		return
	}
	l.append(rec, trxID)
}

func (l *RebuildLog) LogInsert(row rowfmt.Tuple, trxID common.TxnID) {
	l.Insert(row, trxID)
}

func (l *RebuildLog) LogUpdate(oldRow, newRow rowfmt.Tuple, trxID common.TxnID) {
	l.Update(oldRow, newRow, trxID)
}

func (l *RebuildLog) LogDelete(oldRow rowfmt.Tuple, trxID common.TxnID) {
	l.Delete(oldRow, trxID)
}

func (l *RebuildLog) BlobAlloc(page common.PageID) {
	l.tracking.Alloc(page, l.Tail())
}

func (l *RebuildLog) BlobFree(page common.PageID) {
	l.tracking.Free(page, l.Tail())
}

type rebuildCodec struct {
	row    *rowfmt.Shape
	key    *rowfmt.Shape
	samePK bool
}

func (c rebuildCodec) decode(b []byte, a *rowfmt.Arena) (Record, int, error) {
	tag, trxID, err := decodeHeader(b)
	if err != nil {
		return Record{}, 0, err
	}
	r := Record{Tag: tag, TrxID: trxID}
	pos := headerSize

	if tag == TypeDelete || (tag == TypeUpdate && !c.samePK) {
		key, n, err := rowfmt.Decode(b[pos:], c.key, a)
		if err != nil {
			return Record{}, 0, err
		}
		r.Key = key
		pos += n
	}

	if tag != TypeDelete {
		row, n, err := rowfmt.Decode(b[pos:], c.row, a)
		if err != nil {
			return Record{}, 0, err
		}
		r.Row = row
		pos += n
	}
	return r, pos, nil
}

func (c rebuildCodec) dump(r *Record) string {
	return r.format(c.key, c.row)
}
