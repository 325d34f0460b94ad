package rowmap

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

var ErrInvalidDefinition = errors.New("invalid definition")

const PrimaryKeyName = "PRIMARY"

type ColumnDef struct {
	Name     string
	Type     rowfmt.ColumnType
	Nullable bool

	// Default is the value of the column in rows that existed before the
	// column was added. nil means NULL.
	Default *rowfmt.Field
}

type IndexField struct {
	Column string

	// Prefix limits the number of leading bytes of a bytes column that
	// are indexed. 0 indexes the whole value.
	Prefix int
}

type IndexDef struct {
	Name   string
	Unique bool
	Fields []IndexField
}

// TableDef describes a table. Records of the clustered index hold the
// primary key columns first, followed by the remaining columns in
// definition order. Secondary index entries hold the indexed fields
// followed by the primary key columns.
type TableDef struct {
	Name       string
	Columns    []ColumnDef
	PrimaryKey []string
	Indexes    []*IndexDef

	colPos  map[string]int
	order   []int
	recPos  []int
	record  *rowfmt.Shape
	key     *rowfmt.Shape
	entries map[string]*entryLayout
}

type entryLayout struct {
	shape  *rowfmt.Shape
	src    []int
	prefix []int
}

func NewTableDef(
	name string,
	columns []ColumnDef,
	primaryKey []string,
	indexes ...*IndexDef,
) (*TableDef, error) {
	d := &TableDef{
		Name:       name,
		Columns:    slices.Clone(columns),
		PrimaryKey: slices.Clone(primaryKey),
		Indexes:    slices.Clone(indexes),
		colPos:     make(map[string]int, len(columns)),
		entries:    make(map[string]*entryLayout, len(indexes)),
	}

	if err := d.initColumns(); err != nil {
		return nil, err
	}
	for _, idx := range d.Indexes {
		if err := d.initIndex(idx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

func (d *TableDef) initColumns() error {
	if len(d.Columns) == 0 {
		return invalid("table %q has no columns", d.Name)
	}
	for i, c := range d.Columns {
		if _, ok := d.colPos[c.Name]; ok {
			return invalid("duplicate column %q", c.Name)
		}
		d.colPos[c.Name] = i

		if c.Type < rowfmt.ColumnTypeInt64 || c.Type > rowfmt.ColumnTypeBytes {
			return invalid("column %q has unknown type %d", c.Name, c.Type)
		}
		if c.Default == nil || c.Default.Null {
			continue
		}
		if fixed := c.Type.FixedSize(); fixed != 0 && len(c.Default.Data) != fixed {
			return invalid("default of column %q has %d bytes", c.Name, len(c.Default.Data))
		}
	}

	if len(d.PrimaryKey) == 0 {
		return invalid("table %q has no primary key", d.Name)
	}

	inKey := make(map[int]bool, len(d.PrimaryKey))
	cols := make([]rowfmt.Column, 0, len(d.Columns))
	for _, name := range d.PrimaryKey {
		i, ok := d.colPos[name]
		if !ok {
			return invalid("primary key column %q does not exist", name)
		}
		if inKey[i] {
			return invalid("column %q appears twice in the primary key", name)
		}
		if d.Columns[i].Nullable {
			return invalid("primary key column %q is nullable", name)
		}
		inKey[i] = true
		d.order = append(d.order, i)
		cols = append(cols, d.Columns[i].column())
	}
	for i, c := range d.Columns {
		if !inKey[i] {
			d.order = append(d.order, i)
			cols = append(cols, c.column())
		}
	}

	d.recPos = make([]int, len(d.Columns))
	for pos, i := range d.order {
		d.recPos[i] = pos
	}

	n := len(d.PrimaryKey)
	d.record = &rowfmt.Shape{
		Name:    d.Name,
		Columns: cols,
		NKey:    n,
		NUnique: n,
		Unique:  true,
	}
	d.key = &rowfmt.Shape{
		Name:    PrimaryKeyName,
		Columns: cols[:n:n],
		NUnique: n,
		Unique:  true,
	}
	return nil
}

func (d *TableDef) initIndex(idx *IndexDef) error {
	if idx.Name == "" || idx.Name == PrimaryKeyName {
		return invalid("bad index name %q", idx.Name)
	}
	if _, ok := d.entries[idx.Name]; ok {
		return invalid("duplicate index %q", idx.Name)
	}
	if len(idx.Fields) == 0 {
		return invalid("index %q has no fields", idx.Name)
	}

	l := &entryLayout{}
	cols := make([]rowfmt.Column, 0, len(idx.Fields)+len(d.PrimaryKey))
	full := make(map[int]bool)

	for _, f := range idx.Fields {
		i, ok := d.colPos[f.Column]
		if !ok {
			return invalid("index %q: column %q does not exist", idx.Name, f.Column)
		}
		c := d.Columns[i]
		if f.Prefix < 0 || (f.Prefix > 0 && c.Type != rowfmt.ColumnTypeBytes) {
			return invalid("index %q: bad prefix on column %q", idx.Name, f.Column)
		}
		if slices.Contains(l.src, d.recPos[i]) {
			return invalid("index %q: column %q appears twice", idx.Name, f.Column)
		}
		if f.Prefix == 0 {
			full[i] = true
		}

		l.src = append(l.src, d.recPos[i])
		l.prefix = append(l.prefix, f.Prefix)
		cols = append(cols, c.column())
	}

	for _, name := range d.PrimaryKey {
		i := d.colPos[name]
		if full[i] {
			continue
		}
		l.src = append(l.src, d.recPos[i])
		l.prefix = append(l.prefix, 0)
		cols = append(cols, d.Columns[i].column())
	}

	nUnique := len(cols)
	if idx.Unique {
		nUnique = len(idx.Fields)
	}
	l.shape = &rowfmt.Shape{
		Name:    idx.Name,
		Columns: cols,
		NUnique: nUnique,
		Unique:  idx.Unique,
	}

	d.entries[idx.Name] = l
	return nil
}

func (c ColumnDef) column() rowfmt.Column {
	return rowfmt.Column{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
}

// WithIndexes returns a copy of the definition with more secondary indexes.
func (d *TableDef) WithIndexes(indexes ...*IndexDef) (*TableDef, error) {
	return NewTableDef(d.Name, d.Columns, d.PrimaryKey, append(slices.Clone(d.Indexes), indexes...)...)
}

func (d *TableDef) Column(name string) (int, bool) {
	i, ok := d.colPos[name]
	return i, ok
}

// InPrimaryKey reports whether the record field at pos is a key field.
func (d *TableDef) InPrimaryKey(pos int) bool {
	return pos < len(d.PrimaryKey)
}

// RecordColumn returns the definition of the record field at pos.
func (d *TableDef) RecordColumn(pos int) ColumnDef {
	return d.Columns[d.order[pos]]
}

func (d *TableDef) RecordShape() *rowfmt.Shape {
	return d.record
}

func (d *TableDef) KeyShape() *rowfmt.Shape {
	return d.key
}

func (d *TableDef) Index(name string) *IndexDef {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx
		}
	}
	return nil
}

func (d *TableDef) EntryShape(index string) *rowfmt.Shape {
	l, ok := d.entries[index]
	if !ok {
		return nil
	}
	return l.shape
}

// RecordFromRow reorders a row given in column order into a record.
func (d *TableDef) RecordFromRow(row rowfmt.Tuple) (rowfmt.Tuple, error) {
	if len(row) != len(d.Columns) {
		return nil, fmt.Errorf(
			"%w: row has %d values, table %q has %d columns",
			ErrInvalidDefinition, len(row), d.Name, len(d.Columns),
		)
	}

	rec := make(rowfmt.Tuple, len(row))
	for pos, i := range d.order {
		rec[pos] = row[i]
	}
	return rec, nil
}

func (d *TableDef) RowFromRecord(rec rowfmt.Tuple) rowfmt.Tuple {
	row := make(rowfmt.Tuple, len(rec))
	for pos, i := range d.order {
		row[i] = rec[pos]
	}
	return row
}

func (d *TableDef) Key(rec rowfmt.Tuple) rowfmt.Tuple {
	return rec[:len(d.PrimaryKey):len(d.PrimaryKey)]
}

// CheckStored validates rec as a table stores it: bytes values outside the
// primary key that are too long to stay inline go off-page.
func (d *TableDef) CheckStored(rec rowfmt.Tuple) error {
	stored, copied := rec, false
	for pos, f := range rec {
		if d.InPrimaryKey(pos) || d.RecordColumn(pos).Type != rowfmt.ColumnTypeBytes {
			continue
		}
		if f.Null || f.Ext || len(f.Data) <= rowfmt.MaxFieldLen {
			continue
		}
		if !copied {
			stored = make(rowfmt.Tuple, len(rec))
			copy(stored, rec)
			copied = true
		}
		stored[pos] = rowfmt.BlobRef{}.Field()
	}

	_, err := rowfmt.EncodedSize(d.record, stored)
	return err
}

// Entry builds the entry of a secondary index for a record. Off-page
// values are read from blobs; prefix fields keep their leading bytes only.
func (d *TableDef) Entry(
	index string,
	rec rowfmt.Tuple,
	blobs common.BlobReader,
) (rowfmt.Tuple, error) {
	l, ok := d.entries[index]
	if !ok {
		return nil, invalid("no index %q in table %q", index, d.Name)
	}

	res := make(rowfmt.Tuple, len(l.src))
	for i, pos := range l.src {
		f := rec[pos]
		if f.Ext {
			value, err := fetch(blobs, f)
			if err != nil {
				return nil, err
			}
			f = rowfmt.Field{Data: value}
		}

		if p := l.prefix[i]; p > 0 && !f.Null && len(f.Data) > p {
			f.Data = f.Data[:p:p]
		}
		res[i] = f
	}
	return res, nil
}

func fetch(blobs common.BlobReader, f rowfmt.Field) ([]byte, error) {
	ref, err := rowfmt.DecodeBlobRef(f.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberr.ErrCorruption, err)
	}
	return blobs.ReadBlob(ref)
}
