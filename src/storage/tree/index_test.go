package tree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// (email, id) entries of a unique index on email.
func uniqueShape() *rowfmt.Shape {
	return &rowfmt.Shape{
		Name: "email_uq",
		Columns: []rowfmt.Column{
			{Name: "email", Type: rowfmt.ColumnTypeBytes, Nullable: true},
			{Name: "id", Type: rowfmt.ColumnTypeInt64},
		},
		NUnique: 1,
		Unique:  true,
	}
}

func entry(email string, id int64) rowfmt.Tuple {
	f := rowfmt.Null()
	if email != "" {
		f = rowfmt.String(email)
	}
	return rowfmt.Tuple{f, rowfmt.Int64(id)}
}

func TestIndexInsert(t *testing.T) {
	idx := New("email_uq", uniqueShape())

	require.NoError(t, idx.Insert(entry("b@x", 1)))
	require.NoError(t, idx.Insert(entry("a@x", 2)))

	err := idx.Insert(entry("b@x", 1))
	require.ErrorIs(t, err, ErrKeyExists)

	err = idx.Insert(entry("b@x", 3))
	require.ErrorIs(t, err, dberr.ErrDuplicateKey)

	var dup *dberr.DuplicateKeyError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "email_uq", dup.Index)
	assert.Equal(t, []string{"b@x"}, dup.Values)

	require.NoError(t, idx.Insert(entry("", 4)))
	require.NoError(t, idx.Insert(entry("", 5)))

	entries := idx.Entries()
	require.Len(t, entries, 4)
	assert.True(t, entries[0][0].Null)
	assert.True(t, entries[1][0].Null)
	assert.Equal(t, "a@x", string(entries[2][0].Data))
	assert.Equal(t, "b@x", string(entries[3][0].Data))

	_, ok := idx.Delete(entry("a@x", 2))
	require.True(t, ok)
	_, ok = idx.Delete(entry("a@x", 2))
	require.False(t, ok)
	require.NoError(t, idx.Insert(entry("a@x", 6)))
}

func TestIndexClusteredReplace(t *testing.T) {
	shape := &rowfmt.Shape{
		Name: "pk",
		Columns: []rowfmt.Column{
			{Name: "id", Type: rowfmt.ColumnTypeInt64},
			{Name: "v", Type: rowfmt.ColumnTypeBytes},
		},
		NKey:    1,
		NUnique: 1,
		Unique:  true,
	}
	idx := New("pk", shape)

	row := rowfmt.Tuple{rowfmt.Int64(1), rowfmt.String("one")}
	require.NoError(t, idx.Insert(row))

	err := idx.Insert(rowfmt.Tuple{rowfmt.Int64(1), rowfmt.String("uno")})
	require.ErrorIs(t, err, dberr.ErrDuplicateKey)

	old, ok := idx.Replace(rowfmt.Tuple{rowfmt.Int64(1), rowfmt.String("uno")})
	require.True(t, ok)
	assert.True(t, row.Equal(old))

	cur, ok := idx.Get(rowfmt.Tuple{rowfmt.Int64(1)})
	require.True(t, ok)
	assert.Equal(t, "uno", string(cur[1].Data))

	_, ok = idx.Replace(rowfmt.Tuple{rowfmt.Int64(2), rowfmt.String("two")})
	assert.False(t, ok)
	assert.Equal(t, 1, idx.Len())
}

func TestBulkLoader(t *testing.T) {
	l := NewBulkLoader("email_uq", uniqueShape())

	require.NoError(t, l.Append(entry("", 1)))
	require.NoError(t, l.Append(entry("", 2)))
	require.NoError(t, l.Append(entry("a@x", 3)))

	err := l.Append(entry("a@x", 4))
	require.ErrorIs(t, err, dberr.ErrDuplicateKey)

	err = l.Append(entry("", 7))
	require.ErrorIs(t, err, dberr.ErrCorruption)

	require.NoError(t, l.Append(entry("c@x", 0)))
	assert.Equal(t, 4, l.Len())

	idx := l.Finish()
	assert.Equal(t, 4, idx.Len())
	_, ok := idx.Get(entry("c@x", 0))
	assert.True(t, ok)
}
