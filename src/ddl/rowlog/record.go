package rowlog

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

type RecordTypeTag uint8

const (
	TypeInsert RecordTypeTag = iota + 1
	TypeUpdate
	TypeDelete
	TypeUnknown
)

func (t RecordTypeTag) String() string {
	switch t {
	case TypeInsert:
		return "INSERT"
	case TypeUpdate:
		return "UPDATE"
	case TypeDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("RecordTypeTag(%d)", uint8(t))
	}
}

// header: type tag, transaction id
const headerSize = 1 + 8

// Record is a decoded log record. Key is set for the records of a table
// rebuild that have to locate a row by its old primary key; Row holds an
// index entry or a row in the source record format.
type Record struct {
	Tag    RecordTypeTag
	TrxID  common.TxnID
	Offset common.LogOffset
	Key    rowfmt.Tuple
	Row    rowfmt.Tuple
}

func (r *Record) format(key, row *rowfmt.Shape) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s trx=%d", r.Tag, r.TrxID)
	if r.Key != nil {
		fmt.Fprintf(&b, " key=%v", key.Format(r.Key))
	}
	if r.Row != nil {
		vals := make([]string, len(r.Row))
		for i, f := range r.Row {
			vals[i] = rowfmt.FormatField(row.Columns[i].Type, f)
		}
		fmt.Fprintf(&b, " row=%v", vals)
	}
	return b.String()
}

func appendHeader(dst []byte, tag RecordTypeTag, trxID common.TxnID) []byte {
	dst = append(dst, byte(tag))
	return binary.BigEndian.AppendUint64(dst, uint64(trxID))
}

func decodeHeader(b []byte) (RecordTypeTag, common.TxnID, error) {
	if len(b) < headerSize {
		return 0, 0, rowfmt.ErrTruncated
	}

	tag := RecordTypeTag(b[0])
	if tag == 0 || tag >= TypeUnknown {
		return 0, 0, fmt.Errorf("%w: unknown log record type tag %#x", dberr.ErrCorruption, b[0])
	}
	return tag, common.TxnID(binary.BigEndian.Uint64(b[1:headerSize])), nil
}

// recordCodec decodes the records of one log.
type recordCodec interface {
	decode(b []byte, a *rowfmt.Arena) (Record, int, error)
	dump(r *Record) string
}
