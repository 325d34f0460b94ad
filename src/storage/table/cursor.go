package table

import (
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/txns"
)

// Cursor reads the versions of rows visible to a read view in primary key
// order. Delete-marked versions are skipped.
type Cursor struct {
	t    *Table
	rv   *txns.ReadView
	last rowfmt.Tuple
	done bool
}

var _ common.ClusteredCursor = &Cursor{}

func (t *Table) OpenCursor(rv *txns.ReadView) common.ClusteredCursor {
	return &Cursor{t: t, rv: rv}
}

func (c *Cursor) Lock() {
	c.t.latch.RLock()
}

func (c *Cursor) Unlock() {
	c.t.latch.RUnlock()
}

func (c *Cursor) Waiters() bool {
	return c.t.waiting.Load() > 0
}

func (c *Cursor) Next() (rowfmt.Tuple, bool, error) {
	if c.done {
		return nil, false, nil
	}

	var found *version
	visit := func(r *row) bool {
		if c.last != nil && c.t.def.KeyShape().Compare(r.key, c.last) <= 0 {
			return true
		}

		c.last = r.key
		if v := c.t.visible(r, c.rv); v != nil && !v.deleted {
			found = v
			return false
		}
		return true
	}

	if c.last == nil {
		c.t.rows.Ascend(visit)
	} else {
		c.t.rows.AscendGreaterOrEqual(&row{key: c.last}, visit)
	}

	if found == nil {
		c.done = true
		return nil, false, nil
	}
	return found.rec, true, nil
}
