package tree

import (
	"fmt"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// BulkLoader fills a new index from a stream of entries sorted in strictly
// ascending key order.
type BulkLoader struct {
	idx  *Index
	last rowfmt.Tuple
}

func NewBulkLoader(name string, shape *rowfmt.Shape) *BulkLoader {
	return &BulkLoader{idx: New(name, shape)}
}

func (l *BulkLoader) Append(t rowfmt.Tuple) error {
	s := l.idx.shape
	if l.last != nil {
		if s.Unique &&
			s.CompareUnique(l.last, t) == 0 &&
			!rowfmt.HasNull(t, s.NUnique) {
			return l.idx.duplicate(t)
		}
		if s.Compare(l.last, t) >= 0 {
			return fmt.Errorf(
				"%w: index %q: entry %v does not follow %v",
				dberr.ErrCorruption, l.idx.name, s.Format(t), s.Format(l.last),
			)
		}
	}

	t = t.Clone()
	l.idx.t.ReplaceOrInsert(t)
	l.last = t
	return nil
}

func (l *BulkLoader) Len() int {
	return l.idx.t.Len()
}

// Finish returns the loaded index. The loader must not be used afterwards.
func (l *BulkLoader) Finish() *Index {
	idx := l.idx
	l.idx, l.last = nil, nil
	return idx
}
