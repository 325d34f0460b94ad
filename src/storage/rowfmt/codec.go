package rowfmt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
)

// Record layout:
//
//	[extra size + 1: 1-2 bytes][null bitmap][length bytes][field data]
//	[virtual block: u16 total length, per field u16 length or 0xFFFF, data]
//
// The first byte of a record is never zero; a zero byte in its place
// terminates a sort run.
const (
	EndOfRun byte = 0

	MaxFieldLen = 0x3FFF

	maxStoredExtra = 0x7FFF

	twoByteFlag = 0x80
	extFlag     = 0x40

	virtualNullLen = 0xFFFF
)

var (
	// ErrTruncated is returned by Decode when the buffer ends before the
	// record does. The caller has to supply more bytes and retry.
	ErrTruncated = errors.New("truncated record")
	ErrEndOfRun  = errors.New("end of run")
)

func nullBitmapSize(nNullable int) int {
	return (nNullable + 7) / 8
}

func fieldLenSize(f Field) int {
	if f.Ext || len(f.Data) >= twoByteFlag {
		return 2
	}
	return 1
}

// check validates t; columns before extFrom may not be stored off-page.
func (s *Shape) check(t Tuple, extFrom int) error {
	if len(t) != s.NFields() {
		return fmt.Errorf(
			"%w: tuple has %d fields, shape %q has %d",
			dberr.ErrCorruption, len(t), s.Name, s.NFields(),
		)
	}

	for i, c := range s.Columns {
		f := t[i]
		if f.Null {
			if !c.Nullable {
				return fmt.Errorf("%w: column %q", dberr.ErrInvalidNull, c.Name)
			}
			continue
		}

		if f.Ext {
			if i < extFrom {
				return fmt.Errorf(
					"%w: externally stored key column %q in a sort tuple",
					dberr.ErrCorruption, c.Name,
				)
			}
			if c.Type != ColumnTypeBytes {
				return fmt.Errorf(
					"%w: externally stored fixed-size column %q",
					dberr.ErrCorruption, c.Name,
				)
			}
			continue
		}

		if fixed := c.Type.FixedSize(); fixed != 0 {
			if len(f.Data) != fixed {
				return fmt.Errorf(
					"%w: column %q has %d bytes, want %d",
					dberr.ErrCorruption, c.Name, len(f.Data), fixed,
				)
			}
			continue
		}

		if len(f.Data) > MaxFieldLen {
			return fmt.Errorf(
				"%w: column %q has %d bytes",
				dberr.ErrTooBigRecord, c.Name, len(f.Data),
			)
		}
	}

	for i := range s.Virtual {
		f := t[len(s.Columns)+i]
		if !f.Null && len(f.Data) >= virtualNullLen {
			return fmt.Errorf(
				"%w: virtual column %q has %d bytes",
				dberr.ErrTooBigRecord, s.Virtual[i].Name, len(f.Data),
			)
		}
	}
	return nil
}

func (s *Shape) sizes(t Tuple) (extra int, data int) {
	extra = nullBitmapSize(s.nullableCount())
	for i, c := range s.Columns {
		f := t[i]
		if f.Null {
			continue
		}
		data += len(f.Data)
		if f.Ext || c.Type.FixedSize() == 0 {
			extra += fieldLenSize(f)
		}
	}

	if len(s.Virtual) > 0 {
		data += 2
		for _, f := range t[len(s.Columns):] {
			data += 2 + len(f.Data)
		}
	}
	return extra, data
}

func headerSize(extra int) int {
	if extra+1 < twoByteFlag {
		return 1
	}
	return 2
}

// EncodedSize returns the number of bytes Encode would produce.
func EncodedSize(s *Shape, t Tuple) (int, error) {
	if err := s.check(t, 0); err != nil {
		return 0, err
	}

	extra, data := s.sizes(t)
	if extra+1 > maxStoredExtra {
		return 0, fmt.Errorf("%w: %d header bytes", dberr.ErrTooBigRecord, extra)
	}
	return headerSize(extra) + extra + data, nil
}

// Encode appends the encoding of t to dst.
func Encode(dst []byte, s *Shape, t Tuple) ([]byte, error) {
	return encode(dst, s, t, 0)
}

// EncodeSort is Encode for sort tuples, which may reference off-page
// values only past their key columns.
func EncodeSort(dst []byte, s *Shape, t Tuple) ([]byte, error) {
	return encode(dst, s, t, s.KeyLen())
}

func encode(dst []byte, s *Shape, t Tuple, extFrom int) ([]byte, error) {
	if err := s.check(t, extFrom); err != nil {
		return dst, err
	}

	extra, data := s.sizes(t)
	stored := extra + 1
	if stored > maxStoredExtra {
		return dst, fmt.Errorf("%w: %d header bytes", dberr.ErrTooBigRecord, extra)
	}

	if stored < twoByteFlag {
		dst = append(dst, byte(stored))
	} else {
		dst = append(dst, byte(twoByteFlag|stored>>8), byte(stored))
	}

	nullStart := len(dst)
	for range nullBitmapSize(s.nullableCount()) {
		dst = append(dst, 0)
	}

	nullBit := 0
	for i, c := range s.Columns {
		f := t[i]
		if c.Nullable {
			if f.Null {
				dst[nullStart+nullBit/8] |= 1 << (nullBit % 8)
			}
			nullBit++
		}
		if f.Null || (!f.Ext && c.Type.FixedSize() != 0) {
			continue
		}

		l := len(f.Data)
		if fieldLenSize(f) == 1 {
			dst = append(dst, byte(l))
			continue
		}

		hi := byte(twoByteFlag | l>>8)
		if f.Ext {
			hi |= extFlag
		}
		dst = append(dst, hi, byte(l))
	}

	dataStart := len(dst)
	for i := range s.Columns {
		if !t[i].Null {
			dst = append(dst, t[i].Data...)
		}
	}

	if len(s.Virtual) > 0 {
		blockStart := len(dst)
		dst = append(dst, 0, 0)
		for _, f := range t[len(s.Columns):] {
			if f.Null {
				dst = binary.BigEndian.AppendUint16(dst, virtualNullLen)
				continue
			}
			dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Data))) //nolint:gosec
			dst = append(dst, f.Data...)
		}
		if len(dst)-blockStart > 0xFFFF {
			return dst, fmt.Errorf("%w: virtual block of %d bytes", dberr.ErrTooBigRecord, len(dst)-blockStart)
		}
		binary.BigEndian.PutUint16(dst[blockStart:], uint16(len(dst)-blockStart)) //nolint:gosec
	}

	if len(dst)-dataStart != data {
		return dst, fmt.Errorf("%w: encoded size mismatch", dberr.ErrCorruption)
	}
	return dst, nil
}

// Decode parses one record from the start of b. It returns the tuple and
// the number of bytes consumed. Field data is copied into a when a is not
// nil and aliases b otherwise.
func Decode(b []byte, s *Shape, a *Arena) (Tuple, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrTruncated
	}
	if b[0] == EndOfRun {
		return nil, 0, ErrEndOfRun
	}

	hdr, stored := 1, int(b[0])
	if b[0]&twoByteFlag != 0 {
		if len(b) < 2 {
			return nil, 0, ErrTruncated
		}
		hdr, stored = 2, int(b[0]&^twoByteFlag)<<8|int(b[1])
	}
	extra := stored - 1
	nNullable := s.nullableCount()
	if extra < nullBitmapSize(nNullable) {
		return nil, 0, fmt.Errorf("%w: extra size %d", dberr.ErrCorruption, extra)
	}
	if len(b) < hdr+extra {
		return nil, 0, ErrTruncated
	}

	nulls := b[hdr : hdr+nullBitmapSize(nNullable)]
	lens := b[hdr+len(nulls) : hdr+extra]

	t := make(Tuple, s.NFields())
	sizes := make([]int, len(s.Columns))

	nullBit := 0
	for i, c := range s.Columns {
		if c.Nullable {
			isNull := nulls[nullBit/8]&(1<<(nullBit%8)) != 0
			nullBit++
			if isNull {
				t[i].Null = true
				continue
			}
		}

		if fixed := c.Type.FixedSize(); fixed != 0 {
			sizes[i] = fixed
			continue
		}

		if len(lens) == 0 {
			return nil, 0, fmt.Errorf("%w: length bytes exhausted", dberr.ErrCorruption)
		}
		if lens[0]&twoByteFlag == 0 {
			sizes[i] = int(lens[0])
			lens = lens[1:]
			continue
		}
		if len(lens) < 2 {
			return nil, 0, fmt.Errorf("%w: length bytes exhausted", dberr.ErrCorruption)
		}
		t[i].Ext = lens[0]&extFlag != 0
		sizes[i] = int(lens[0]&^(twoByteFlag|extFlag))<<8 | int(lens[1])
		lens = lens[2:]
	}
	if len(lens) != 0 {
		return nil, 0, fmt.Errorf(
			"%w: %d unused length bytes", dberr.ErrCorruption, len(lens),
		)
	}

	pos := hdr + extra
	for i := range s.Columns {
		if t[i].Null {
			continue
		}
		if len(b) < pos+sizes[i] {
			return nil, 0, ErrTruncated
		}
		t[i].Data = a.copy(b[pos : pos+sizes[i]])
		pos += sizes[i]
	}

	if len(s.Virtual) > 0 {
		if len(b) < pos+2 {
			return nil, 0, ErrTruncated
		}
		blockLen := int(binary.BigEndian.Uint16(b[pos:]))
		if blockLen < 2 {
			return nil, 0, fmt.Errorf("%w: virtual block of %d bytes", dberr.ErrCorruption, blockLen)
		}
		if len(b) < pos+blockLen {
			return nil, 0, ErrTruncated
		}
		block := b[pos+2 : pos+blockLen]
		for i := range s.Virtual {
			if len(block) < 2 {
				return nil, 0, fmt.Errorf("%w: short virtual block", dberr.ErrCorruption)
			}
			l := int(binary.BigEndian.Uint16(block))
			block = block[2:]

			f := &t[len(s.Columns)+i]
			if l == virtualNullLen {
				f.Null = true
				continue
			}
			if len(block) < l {
				return nil, 0, fmt.Errorf("%w: short virtual block", dberr.ErrCorruption)
			}
			f.Data = a.copy(block[:l])
			block = block[l:]
		}
		if len(block) != 0 {
			return nil, 0, fmt.Errorf("%w: trailing virtual bytes", dberr.ErrCorruption)
		}
		pos += blockLen
	}
	return t, pos, nil
}
