package rowfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
)

type ColumnType uint8

const (
	ColumnTypeInt64 ColumnType = iota + 1
	ColumnTypeUint64
	ColumnTypeFloat64
	ColumnTypeUUID
	ColumnTypeBytes
)

// FixedSize returns the stored size of a column type, or 0 when the
// values have variable length.
func (t ColumnType) FixedSize() int {
	switch t {
	case ColumnTypeInt64, ColumnTypeUint64, ColumnTypeFloat64:
		return 8
	case ColumnTypeUUID:
		return 16
	case ColumnTypeBytes:
		return 0
	default:
		assert.Assert(false, "unknown column type %d", t)
		panic("unreachable")
	}
}

func (t ColumnType) String() string {
	switch t {
	case ColumnTypeInt64:
		return "int64"
	case ColumnTypeUint64:
		return "uint64"
	case ColumnTypeFloat64:
		return "float64"
	case ColumnTypeUUID:
		return "uuid"
	case ColumnTypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Shape describes the fields of an encoded tuple: a table row, a
// clustered index record, a secondary index entry or a search key.
type Shape struct {
	Name    string
	Columns []Column

	// The first NKey columns order entries; 0 means all stored columns.
	NKey int

	// The first NUnique columns identify an entry. When Unique is set
	// two entries may not share them unless one of the values is NULL.
	NUnique int
	Unique  bool

	// Virtual columns are encoded after the stored ones in a separate
	// length-prefixed block.
	Virtual []Column
}

func (s *Shape) NFields() int {
	return len(s.Columns) + len(s.Virtual)
}

func (s *Shape) nullableCount() int {
	n := 0
	for _, c := range s.Columns {
		if c.Nullable {
			n++
		}
	}
	return n
}

func (s *Shape) KeyLen() int {
	if s.NKey == 0 {
		return len(s.Columns)
	}
	return s.NKey
}

// Compare orders two tuples of this shape by their key columns.
func (s *Shape) Compare(a, b Tuple) int {
	return Compare(a, b, s.KeyLen())
}

// CompareUnique orders two tuples by the identifying prefix only.
func (s *Shape) CompareUnique(a, b Tuple) int {
	return Compare(a, b, s.NUnique)
}

// Format renders the identifying prefix for user-facing messages.
func (s *Shape) Format(t Tuple) []string {
	n := s.NUnique
	if n == 0 || n > len(t) {
		n = min(len(t), len(s.Columns))
	}

	res := make([]string, 0, n)
	for i := range n {
		res = append(res, FormatField(s.Columns[i].Type, t[i]))
	}
	return res
}

// Field is a single value. Fixed-size values are kept in an
// order-preserving byte form so that every comparison is bytewise.
type Field struct {
	Data []byte
	Null bool

	// Ext marks a value stored off-page: Data holds an encoded BlobRef.
	Ext bool
}

type Tuple []Field

func Null() Field {
	return Field{Null: true}
}

func Int64(v int64) Field {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(v)^(1<<63)) //nolint:gosec
	return Field{Data: data}
}

func Uint64(v uint64) Field {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, v)
	return Field{Data: data}
}

func Float64(v float64) Field {
	bits := math.Float64bits(v)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}

	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, bits)
	return Field{Data: data}
}

func UUID(v uuid.UUID) Field {
	data := make([]byte, 16)
	copy(data, v[:])
	return Field{Data: data}
}

func Bytes(v []byte) Field {
	data := make([]byte, len(v))
	copy(data, v)
	return Field{Data: data}
}

func String(v string) Field {
	return Field{Data: []byte(v)}
}

func (f Field) Int64() int64 {
	assert.Assert(len(f.Data) == 8, "not an int64 field: %d bytes", len(f.Data))
	return int64(binary.BigEndian.Uint64(f.Data) ^ (1 << 63)) //nolint:gosec
}

func (f Field) Uint64() uint64 {
	assert.Assert(len(f.Data) == 8, "not an uint64 field: %d bytes", len(f.Data))
	return binary.BigEndian.Uint64(f.Data)
}

func (f Field) Float64() float64 {
	assert.Assert(len(f.Data) == 8, "not a float64 field: %d bytes", len(f.Data))
	bits := binary.BigEndian.Uint64(f.Data)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func (f Field) UUID() uuid.UUID {
	var res uuid.UUID
	copy(res[:], f.Data)
	return res
}

func (f Field) Equal(o Field) bool {
	if f.Null || o.Null {
		return f.Null == o.Null
	}
	return f.Ext == o.Ext && bytes.Equal(f.Data, o.Data)
}

func FormatField(t ColumnType, f Field) string {
	if f.Null {
		return "NULL"
	}
	if f.Ext {
		ref, err := DecodeBlobRef(f.Data)
		if err != nil {
			return "<corrupted blob reference>"
		}
		return fmt.Sprintf("<blob page=%d len=%d>", ref.Page, ref.Len)
	}

	switch t {
	case ColumnTypeInt64:
		return strconv.FormatInt(f.Int64(), 10)
	case ColumnTypeUint64:
		return strconv.FormatUint(f.Uint64(), 10)
	case ColumnTypeFloat64:
		return strconv.FormatFloat(f.Float64(), 'g', -1, 64)
	case ColumnTypeUUID:
		return f.UUID().String()
	default:
		return string(f.Data)
	}
}

func (t Tuple) Clone() Tuple {
	if t == nil {
		return nil
	}

	size := 0
	for _, f := range t {
		size += len(f.Data)
	}

	buf := make([]byte, 0, size)
	res := make(Tuple, len(t))
	for i, f := range t {
		res[i] = f
		if f.Data != nil {
			start := len(buf)
			buf = append(buf, f.Data...)
			res[i].Data = buf[start:len(buf):len(buf)]
		}
	}
	return res
}

func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// HasExt reports whether any field is stored off-page.
func (t Tuple) HasExt() bool {
	for _, f := range t {
		if f.Ext {
			return true
		}
	}
	return false
}

// Compare orders the first n fields. NULL sorts before every value.
func Compare(a, b Tuple, n int) int {
	for i := range n {
		fa, fb := a[i], b[i]
		switch {
		case fa.Null && fb.Null:
			continue
		case fa.Null:
			return -1
		case fb.Null:
			return 1
		}

		if c := bytes.Compare(fa.Data, fb.Data); c != 0 {
			return c
		}
	}
	return 0
}

func HasNull(t Tuple, n int) bool {
	for i := range n {
		if t[i].Null {
			return true
		}
	}
	return false
}

// BlobRef points at an off-page value.
type BlobRef struct {
	Page uint32
	Len  uint64
}

const BlobRefSize = 12

func (r BlobRef) Field() Field {
	data := make([]byte, BlobRefSize)
	binary.BigEndian.PutUint32(data, r.Page)
	binary.BigEndian.PutUint64(data[4:], r.Len)
	return Field{Data: data, Ext: true}
}

func DecodeBlobRef(data []byte) (BlobRef, error) {
	if len(data) != BlobRefSize {
		return BlobRef{}, fmt.Errorf("blob reference of %d bytes", len(data))
	}
	return BlobRef{
		Page: binary.BigEndian.Uint32(data),
		Len:  binary.BigEndian.Uint64(data[4:]),
	}, nil
}
