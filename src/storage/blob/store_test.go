package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

func TestStoreReusesFreedPages(t *testing.T) {
	s := NewStore()

	a := s.Alloc([]byte("aaa"))
	b := s.Alloc([]byte("bbbb"))
	require.NotEqual(t, a.Page, b.Page)

	require.NoError(t, s.Free(common.PageID(a.Page)))
	require.ErrorIs(t, s.Free(common.PageID(a.Page)), ErrNoSuchPage)

	_, err := s.ReadBlob(a)
	require.ErrorIs(t, err, ErrNoSuchPage)

	c := s.Alloc([]byte("c"))
	assert.Equal(t, a.Page, c.Page)
	assert.Equal(t, 2, s.Pages())

	value, err := s.ReadBlob(c)
	require.NoError(t, err)
	assert.Equal(t, "c", string(value))

	_, err = s.ReadBlob(rowfmt.BlobRef{Page: c.Page, Len: 10})
	assert.ErrorIs(t, err, dberr.ErrCorruption)
}

func TestResolve(t *testing.T) {
	s := NewStore()
	ref := s.Alloc([]byte("long value"))

	row := rowfmt.Tuple{rowfmt.Int64(1), ref.Field(), rowfmt.Null()}
	res, err := Resolve(s, row)
	require.NoError(t, err)

	assert.True(t, row[1].Ext)
	assert.False(t, res[1].Ext)
	assert.Equal(t, "long value", string(res[1].Data))
	assert.True(t, res[2].Null)

	inline := rowfmt.Tuple{rowfmt.Int64(2)}
	same, err := Resolve(s, inline)
	require.NoError(t, err)
	assert.Equal(t, inline, same)
}
