package table

import (
	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// reconcile removes the candidate entries that no longer belong to a
// version of the row that may become current again: the latest committed
// version and every uncommitted version above it.
func (t *Table) reconcile(key rowfmt.Tuple, candidates []rowfmt.Tuple) {
	var live [][]rowfmt.Tuple
	if r, ok := t.rows.Get(&row{key: key}); ok {
		for v := r.head; v != nil; v = v.prev {
			committed := !t.txns.IsActive(v.trxID)
			if !(committed && v.deleted) {
				entries, err := t.entries(v.rec)
				assert.NoError(err)
				live = append(live, entries)
			}
			if committed {
				break
			}
		}
	}

	for i, c := range candidates {
		if c == nil || i >= len(t.secondaries) {
			continue
		}

		keep := false
		for _, entries := range live {
			if entries[i].Equal(c) {
				keep = true
				break
			}
		}
		if !keep {
			t.secondaries[i].idx.Delete(c)
		}
	}
}
