package rowmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/blob"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

func usersDef(t *testing.T, indexes ...*IndexDef) *TableDef {
	t.Helper()

	def, err := NewTableDef("users", []ColumnDef{
		{Name: "name", Type: rowfmt.ColumnTypeBytes, Nullable: true},
		{Name: "id", Type: rowfmt.ColumnTypeInt64},
		{Name: "bio", Type: rowfmt.ColumnTypeBytes, Nullable: true},
	}, []string{"id"}, indexes...)
	require.NoError(t, err)
	return def
}

func TestRecordLayout(t *testing.T) {
	def := usersDef(t)

	row := rowfmt.Tuple{rowfmt.String("ann"), rowfmt.Int64(7), rowfmt.Null()}
	rec, err := def.RecordFromRow(row)
	require.NoError(t, err)

	assert.Equal(t, int64(7), rec[0].Int64())
	assert.Equal(t, "ann", string(rec[1].Data))
	assert.True(t, def.Key(rec).Equal(rowfmt.Tuple{rowfmt.Int64(7)}))
	assert.True(t, row.Equal(def.RowFromRecord(rec)))

	assert.True(t, def.InPrimaryKey(0))
	assert.False(t, def.InPrimaryKey(1))
	assert.Equal(t, "name", def.RecordColumn(1).Name)

	shape := def.RecordShape()
	assert.Equal(t, 1, shape.KeyLen())
	assert.Equal(t, "id", shape.Columns[0].Name)

	_, err = def.RecordFromRow(row[:2])
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestDefinitionValidation(t *testing.T) {
	cols := []ColumnDef{
		{Name: "id", Type: rowfmt.ColumnTypeInt64},
		{Name: "v", Type: rowfmt.ColumnTypeInt64, Nullable: true},
	}

	cases := map[string]func() error{
		"NoPrimaryKey": func() error {
			_, err := NewTableDef("t", cols, nil)
			return err
		},
		"NullableKey": func() error {
			_, err := NewTableDef("t", cols, []string{"v"})
			return err
		},
		"UnknownIndexColumn": func() error {
			_, err := NewTableDef("t", cols, []string{"id"},
				&IndexDef{Name: "i", Fields: []IndexField{{Column: "zzz"}}})
			return err
		},
		"PrefixOnInt": func() error {
			_, err := NewTableDef("t", cols, []string{"id"},
				&IndexDef{Name: "i", Fields: []IndexField{{Column: "v", Prefix: 3}}})
			return err
		},
		"DuplicateIndex": func() error {
			idx := &IndexDef{Name: "i", Fields: []IndexField{{Column: "v"}}}
			_, err := NewTableDef("t", cols, []string{"id"}, idx, idx)
			return err
		},
		"BadDefault": func() error {
			bad := []ColumnDef{cols[0], {Name: "d", Type: rowfmt.ColumnTypeInt64, Default: &rowfmt.Field{Data: []byte{1}}}}
			_, err := NewTableDef("t", bad, []string{"id"})
			return err
		},
	}

	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), ErrInvalidDefinition)
		})
	}
}

func TestEntryWithPrefixAndBlob(t *testing.T) {
	def := usersDef(t, &IndexDef{
		Name:   "bio_prefix",
		Unique: true,
		Fields: []IndexField{{Column: "bio", Prefix: 4}},
	})

	shape := def.EntryShape("bio_prefix")
	require.NotNil(t, shape)
	require.Len(t, shape.Columns, 2)
	assert.Equal(t, 1, shape.NUnique)

	store := blob.NewStore()
	ref := store.Alloc([]byte("a very long biography"))

	rec := rowfmt.Tuple{rowfmt.Int64(3), rowfmt.String("bob"), ref.Field()}
	entry, err := def.Entry("bio_prefix", rec, store)
	require.NoError(t, err)
	assert.Equal(t, "a ve", string(entry[0].Data))
	assert.False(t, entry[0].Ext)
	assert.Equal(t, int64(3), entry[1].Int64())

	_, err = def.Entry("missing", rec, store)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestEntryKeepsKeyColumnsOnce(t *testing.T) {
	def := usersDef(t, &IndexDef{
		Name:   "name_id",
		Fields: []IndexField{{Column: "name"}, {Column: "id"}},
	})

	shape := def.EntryShape("name_id")
	require.Len(t, shape.Columns, 2)
	assert.Equal(t, 2, shape.NUnique)
	assert.False(t, shape.Unique)
}

func TestCheckStoredMovesLongValuesOffPage(t *testing.T) {
	def, err := NewTableDef("t", []ColumnDef{
		{Name: "k", Type: rowfmt.ColumnTypeBytes},
		{Name: "v", Type: rowfmt.ColumnTypeBytes, Nullable: true},
	}, []string{"k"})
	require.NoError(t, err)

	long := make([]byte, rowfmt.MaxFieldLen+1)
	require.NoError(t, def.CheckStored(rowfmt.Tuple{rowfmt.String("a"), rowfmt.Bytes(long)}))
	require.NoError(t, def.CheckStored(rowfmt.Tuple{rowfmt.String("a"), rowfmt.Null()}))

	_, err = rowfmt.EncodedSize(def.RecordShape(), rowfmt.Tuple{rowfmt.String("a"), rowfmt.Bytes(long)})
	require.ErrorIs(t, err, dberr.ErrTooBigRecord)

	// key values are never moved
	err = def.CheckStored(rowfmt.Tuple{rowfmt.Bytes(long), rowfmt.Null()})
	require.ErrorIs(t, err, dberr.ErrTooBigRecord)
}

func TestRebuildMapper(t *testing.T) {
	from := usersDef(t)

	zero := rowfmt.Int64(0)
	to, err := NewTableDef("users", []ColumnDef{
		{Name: "id", Type: rowfmt.ColumnTypeInt64},
		{Name: "name", Type: rowfmt.ColumnTypeBytes},
		{Name: "bio", Type: rowfmt.ColumnTypeBytes, Nullable: true},
		{Name: "score", Type: rowfmt.ColumnTypeInt64, Default: &zero},
	}, []string{"name", "id"}, &IndexDef{
		Name:   "score",
		Fields: []IndexField{{Column: "score"}},
	})
	require.NoError(t, err)

	m, err := NewRebuildMapper(from, to)
	require.NoError(t, err)
	assert.False(t, m.SamePK())
	assert.True(t, m.Rebuild())

	targets := m.Targets()
	require.Len(t, targets, 2)
	assert.True(t, targets[0].Clustered)
	assert.Equal(t, "score", targets[1].Name)

	store := blob.NewStore()
	ref := store.Alloc([]byte("biography"))
	rec := rowfmt.Tuple{rowfmt.Int64(5), rowfmt.String("eve"), ref.Field()}

	out, err := m.Build(rec, store)
	require.NoError(t, err)

	// (name, id, bio, score)
	newRec := out[0]
	require.Len(t, newRec, 4)
	assert.Equal(t, "eve", string(newRec[0].Data))
	assert.Equal(t, int64(5), newRec[1].Int64())
	assert.True(t, newRec[2].Ext)
	assert.Equal(t, ref.Field().Data, newRec[2].Data)
	assert.Equal(t, int64(0), newRec[3].Int64())

	resolved, err := blob.Resolve(store, newRec)
	require.NoError(t, err)
	assert.Equal(t, "biography", string(resolved[2].Data))

	converted, err := m.Convert(rec, store)
	require.NoError(t, err)
	assert.False(t, converted[2].Ext)
	assert.True(t, resolved.Equal(converted))

	// (score, name, id)
	require.Len(t, out[1], 3)
	assert.Equal(t, int64(0), out[1][0].Int64())

	key, err := m.NewKey(rec, store)
	require.NoError(t, err)
	assert.True(t, key.Equal(rowfmt.Tuple{rowfmt.String("eve"), rowfmt.Int64(5)}))

	_, err = m.Convert(rowfmt.Tuple{rowfmt.Int64(6), rowfmt.Null(), rowfmt.Null()}, store)
	assert.ErrorIs(t, err, dberr.ErrInvalidNull)
}

func TestRebuildMapperRejectsTypeChange(t *testing.T) {
	from := usersDef(t)
	to, err := NewTableDef("users", []ColumnDef{
		{Name: "id", Type: rowfmt.ColumnTypeUint64},
	}, []string{"id"})
	require.NoError(t, err)

	_, err = NewRebuildMapper(from, to)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestIndexMapper(t *testing.T) {
	def := usersDef(t)

	m, err := NewIndexMapper(def, &IndexDef{Name: "name", Fields: []IndexField{{Column: "name"}}})
	require.NoError(t, err)
	assert.True(t, m.SamePK())
	assert.False(t, m.Rebuild())
	require.Len(t, m.Targets(), 1)

	rec := rowfmt.Tuple{rowfmt.Int64(1), rowfmt.String("x"), rowfmt.Null()}
	out, err := m.Build(rec, blob.NewStore())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Equal(rowfmt.Tuple{rowfmt.String("x"), rowfmt.Int64(1)}))

	_, err = NewIndexMapper(def)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
