package disk

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockFileReadWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := CreateTemp(fs, "/tmp/onlineddl_test", "run", 64)
	require.NoError(t, err)

	blocks := [][]byte{
		bytes.Repeat([]byte{1}, 64),
		bytes.Repeat([]byte{2}, 64),
		bytes.Repeat([]byte{3}, 64),
	}
	// out of order on purpose: log blocks may be flushed by different writers
	require.NoError(t, f.WriteBlock(blocks[2], 2))
	require.NoError(t, f.WriteBlock(blocks[0], 0))
	require.NoError(t, f.WriteBlock(blocks[1], 1))
	assert.Equal(t, uint64(3), f.Blocks())

	buf := make([]byte, 64)
	for i, expected := range blocks {
		require.NoError(t, f.ReadBlock(buf, uint64(i)))
		assert.Equal(t, expected, buf)
	}

	err = f.ReadBlock(buf, 3)
	assert.ErrorIs(t, err, ErrNoSuchBlock)

	require.NoError(t, f.Reset())
	assert.Equal(t, uint64(0), f.Blocks())

	path := f.Path()
	require.NoError(t, f.Close())
	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, f.Close())
}

func TestBlockFileOnDisk(t *testing.T) {
	f, err := CreateTemp(afero.NewOsFs(), t.TempDir(), "log", 16)
	require.NoError(t, err)
	defer func() { assert.NoError(t, f.Close()) }()

	data := []byte("0123456789abcdef")
	require.NoError(t, f.WriteBlock(data, 0))

	buf := make([]byte, 16)
	require.NoError(t, f.ReadBlock(buf, 0))
	assert.Equal(t, data, buf)
}

func TestNilBlockCache(t *testing.T) {
	c, err := NewBlockCache(0, 16)
	require.NoError(t, err)
	assert.Nil(t, c)

	c.Put(1, []byte("x"))
	_, ok := c.Get(1)
	assert.False(t, ok)
	c.Drop(1)
	c.Close()
}

func TestBlockCache(t *testing.T) {
	c, err := NewBlockCache(1<<20, 16)
	require.NoError(t, err)
	defer c.Close()

	block := []byte("0123456789abcdef")
	c.Put(7, block)
	c.c.Wait()

	cached, ok := c.Get(7)
	if ok {
		assert.Equal(t, block, cached)
	}

	c.Drop(7)
	c.c.Wait()
	_, ok = c.Get(7)
	assert.False(t, ok)
}
