package rowmap

import (
	"fmt"
	"slices"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// Target is one structure filled by a build.
type Target struct {
	Name      string
	Shape     *rowfmt.Shape
	Clustered bool
}

// Mapper turns records of the source table into the tuples of the
// structures being built.
type Mapper struct {
	from, to *TableDef
	rebuild  bool
	samePK   bool

	// to record position -> from record position, -1 for added columns
	src     []int
	targets []Target
}

// NewIndexMapper maps records of def into entries of new secondary indexes.
func NewIndexMapper(def *TableDef, indexes ...*IndexDef) (*Mapper, error) {
	if len(indexes) == 0 {
		return nil, invalid("no indexes to build")
	}

	to, err := def.WithIndexes(indexes...)
	if err != nil {
		return nil, err
	}

	m := &Mapper{from: def, to: to, samePK: true}
	m.src = make([]int, len(to.Columns))
	for pos := range m.src {
		m.src[pos] = pos
	}
	for _, idx := range indexes {
		m.targets = append(m.targets, Target{Name: idx.Name, Shape: to.EntryShape(idx.Name)})
	}
	return m, nil
}

// NewRebuildMapper maps records of from into records and secondary index
// entries of to. Columns are matched by name.
func NewRebuildMapper(from, to *TableDef) (*Mapper, error) {
	m := &Mapper{
		from:    from,
		to:      to,
		rebuild: true,
		samePK:  slices.Equal(from.PrimaryKey, to.PrimaryKey),
		src:     make([]int, len(to.Columns)),
	}

	for pos := range m.src {
		c := to.RecordColumn(pos)
		i, ok := from.Column(c.Name)
		if !ok {
			m.src[pos] = -1
			continue
		}
		if old := from.Columns[i]; old.Type != c.Type {
			return nil, invalid("column %q changes type from %s to %s", c.Name, old.Type, c.Type)
		}
		m.src[pos] = from.recPos[i]
	}

	m.targets = append(m.targets, Target{
		Name:      PrimaryKeyName,
		Shape:     to.RecordShape(),
		Clustered: true,
	})
	for _, idx := range to.Indexes {
		m.targets = append(m.targets, Target{Name: idx.Name, Shape: to.EntryShape(idx.Name)})
	}
	return m, nil
}

func (m *Mapper) From() *TableDef {
	return m.from
}

func (m *Mapper) To() *TableDef {
	return m.to
}

func (m *Mapper) Rebuild() bool {
	return m.rebuild
}

// SamePK reports whether the primary key keeps its definition.
func (m *Mapper) SamePK() bool {
	return m.samePK
}

// KeySources returns the source record positions that make up the primary
// key of the target table. Added columns are left out.
func (m *Mapper) KeySources() []int {
	res := make([]int, 0, len(m.to.PrimaryKey))
	for _, s := range m.src[:len(m.to.PrimaryKey)] {
		if s >= 0 {
			res = append(res, s)
		}
	}
	return res
}

func (m *Mapper) Targets() []Target {
	return m.targets
}

// Convert builds the record of the target table. Added columns take their
// defaults and off-page values are read into the record.
func (m *Mapper) Convert(rec rowfmt.Tuple, blobs common.BlobReader) (rowfmt.Tuple, error) {
	return m.convert(rec, blobs, false)
}

// convert with keepRefs set leaves off-page values outside the primary key
// as references into blobs.
func (m *Mapper) convert(rec rowfmt.Tuple, blobs common.BlobReader, keepRefs bool) (rowfmt.Tuple, error) {
	res := make(rowfmt.Tuple, len(m.src))
	for pos := range res {
		f, err := m.field(rec, pos, blobs, keepRefs && pos >= len(m.to.PrimaryKey))
		if err != nil {
			return nil, err
		}
		res[pos] = f
	}
	return res, nil
}

// NewKey builds the primary key of the target table for a source record.
func (m *Mapper) NewKey(rec rowfmt.Tuple, blobs common.BlobReader) (rowfmt.Tuple, error) {
	res := make(rowfmt.Tuple, len(m.to.PrimaryKey))
	for pos := range res {
		f, err := m.field(rec, pos, blobs, false)
		if err != nil {
			return nil, err
		}
		res[pos] = f
	}
	return res, nil
}

func (m *Mapper) field(
	rec rowfmt.Tuple,
	pos int,
	blobs common.BlobReader,
	keepRef bool,
) (rowfmt.Field, error) {
	c := m.to.RecordColumn(pos)

	var f rowfmt.Field
	switch s := m.src[pos]; {
	case s >= 0:
		f = rec[s]
	case c.Default != nil:
		f = *c.Default
	default:
		f = rowfmt.Null()
	}

	if f.Null {
		if !c.Nullable {
			return rowfmt.Field{}, fmt.Errorf("%w: column %q", dberr.ErrInvalidNull, c.Name)
		}
		return f, nil
	}

	if f.Ext && !keepRef {
		value, err := fetch(blobs, f)
		if err != nil {
			return rowfmt.Field{}, err
		}
		f = rowfmt.Field{Data: value}
	}
	return f, nil
}

// Build returns one tuple per target for a record of the source table.
// Records of a rebuilt table keep their off-page values as references
// into blobs; they are read when the sorted records are loaded.
func (m *Mapper) Build(rec rowfmt.Tuple, blobs common.BlobReader) ([]rowfmt.Tuple, error) {
	if m.rebuild {
		var err error
		if rec, err = m.convert(rec, blobs, true); err != nil {
			return nil, err
		}
	}

	res := make([]rowfmt.Tuple, len(m.targets))
	for i, t := range m.targets {
		if t.Clustered {
			res[i] = rec
			continue
		}

		entry, err := m.to.Entry(t.Name, rec, blobs)
		if err != nil {
			return nil, err
		}
		res[i] = entry
	}
	return res, nil
}
