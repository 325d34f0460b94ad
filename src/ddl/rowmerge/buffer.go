package rowmerge

import (
	"fmt"
	"slices"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

type AddResult int

const (
	Added AddResult = iota
	Full
)

// SortBuffer holds tuples of one index until they are sorted and written
// out as a run. Tuple data lives in the buffer's arena.
type SortBuffer struct {
	shape     *rowfmt.Shape
	budget    int
	blockSize int

	tuples []rowfmt.Tuple
	size   int
	arena  *rowfmt.Arena
}

func NewSortBuffer(shape *rowfmt.Shape, budget, blockSize int) *SortBuffer {
	return &SortBuffer{
		shape:     shape,
		budget:    budget,
		blockSize: blockSize,
		arena:     rowfmt.NewArena(0),
	}
}

func (b *SortBuffer) Add(t rowfmt.Tuple) (AddResult, error) {
	if t[:min(b.shape.KeyLen(), len(t))].HasExt() {
		return Added, fmt.Errorf(
			"%w: externally stored key field in a sort tuple of %q",
			dberr.ErrCorruption, b.shape.Name,
		)
	}

	n, err := rowfmt.EncodedSize(b.shape, t)
	if err != nil {
		return Added, err
	}
	if n > b.blockSize || n > b.budget {
		return Added, fmt.Errorf(
			"%w: %d byte entry of %q", dberr.ErrTooBigRecord, n, b.shape.Name,
		)
	}
	if b.size+n > b.budget {
		return Full, nil
	}

	c := make(rowfmt.Tuple, len(t))
	for i, f := range t {
		c[i] = rowfmt.Field{Null: f.Null, Ext: f.Ext, Data: b.arena.Copy(f.Data)}
	}
	b.tuples = append(b.tuples, c)
	b.size += n
	return Added, nil
}

// Sort orders the tuples by their key. Equal unique prefixes without NULLs
// are counted into dup.
func (b *SortBuffer) Sort(dup *DupReport) {
	slices.SortStableFunc(b.tuples, b.shape.Compare)

	for i := 1; i < len(b.tuples); i++ {
		if isDuplicate(b.shape, b.tuples[i-1], b.tuples[i]) {
			dup.Report(b.shape, b.tuples[i])
		}
	}
}

func (b *SortBuffer) Len() int {
	return len(b.tuples)
}

func (b *SortBuffer) Tuples() []rowfmt.Tuple {
	return b.tuples
}

// Write appends the sorted tuples to w.
func (b *SortBuffer) Write(w *RunWriter) error {
	for _, t := range b.tuples {
		if err := w.Write(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *SortBuffer) Reset() {
	clear(b.tuples)
	b.tuples = b.tuples[:0]
	b.size = 0
	b.arena.Reset()
}
