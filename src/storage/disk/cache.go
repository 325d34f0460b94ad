package disk

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// BlockCache keeps copies of recently written blocks so that a reader
// following the writer closely does not have to go to the file. It is a
// best-effort cache: a miss is always answered from the file.
type BlockCache struct {
	c *ristretto.Cache[uint64, []byte]
}

// NewBlockCache returns nil when maxBytes is not positive; a nil cache
// never hits.
func NewBlockCache(maxBytes int64, blockSize int) (*BlockCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}

	blocks := max(maxBytes/int64(blockSize), 1)
	c, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: blocks * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}
	return &BlockCache{c: c}, nil
}

func (c *BlockCache) Put(id uint64, block []byte) {
	if c == nil {
		return
	}

	cp := make([]byte, len(block))
	copy(cp, block)
	c.c.Set(id, cp, int64(len(cp)))
}

func (c *BlockCache) Get(id uint64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(id)
}

func (c *BlockCache) Drop(id uint64) {
	if c == nil {
		return
	}
	c.c.Del(id)
}

func (c *BlockCache) Close() {
	if c == nil {
		return
	}
	c.c.Close()
}
