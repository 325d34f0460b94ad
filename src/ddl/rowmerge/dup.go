package rowmerge

import (
	"sync"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// DupReport counts duplicate keys of a unique index and remembers the
// values of the first one.
type DupReport struct {
	mu    sync.Mutex
	index string
	n     int
	first []string
}

func NewDupReport(index string) *DupReport {
	return &DupReport{index: index}
}

func (r *DupReport) Report(shape *rowfmt.Shape, t rowfmt.Tuple) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == 0 {
		r.first = shape.Format(t)
	}
	r.n++
}

func (r *DupReport) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.n
}

func (r *DupReport) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == 0 {
		return nil
	}
	return &dberr.DuplicateKeyError{Index: r.index, Values: r.first}
}

func isDuplicate(s *rowfmt.Shape, a, b rowfmt.Tuple) bool {
	return s.Unique && s.CompareUnique(a, b) == 0 && !rowfmt.HasNull(b, s.NUnique)
}
