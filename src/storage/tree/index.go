package tree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

const degree = 32

var ErrKeyExists = errors.New("key already exists")

// Index is an ordered set of tuples of one shape.
type Index struct {
	mu    sync.RWMutex
	name  string
	shape *rowfmt.Shape
	t     *btree.BTreeG[rowfmt.Tuple]
}

func New(name string, shape *rowfmt.Shape) *Index {
	return &Index{
		name:  name,
		shape: shape,
		t: btree.NewG(degree, func(a, b rowfmt.Tuple) bool {
			return shape.Compare(a, b) < 0
		}),
	}
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) Shape() *rowfmt.Shape {
	return i.shape
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.t.Len()
}

// Get looks an entry up by the first KeyLen fields of key.
func (i *Index) Get(key rowfmt.Tuple) (rowfmt.Tuple, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.t.Get(key)
}

// Insert adds a copy of t. It fails with ErrKeyExists when an identical
// entry is already present and with a *dberr.DuplicateKeyError when a
// different entry has the same key or, for unique shapes, the same
// NULL-free unique prefix.
func (i *Index) Insert(t rowfmt.Tuple) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.check(t); err != nil {
		return err
	}

	i.t.ReplaceOrInsert(t.Clone())
	return nil
}

func (i *Index) check(t rowfmt.Tuple) error {
	if cur, ok := i.t.Get(t); ok {
		if cur.Equal(t) {
			return fmt.Errorf("%w: index %q", ErrKeyExists, i.name)
		}
		return i.duplicate(t)
	}

	if !i.shape.Unique || i.shape.NUnique >= i.shape.KeyLen() {
		return nil
	}
	if rowfmt.HasNull(t, i.shape.NUnique) {
		return nil
	}

	pivot := make(rowfmt.Tuple, i.shape.KeyLen())
	copy(pivot, t[:i.shape.NUnique])
	for j := i.shape.NUnique; j < len(pivot); j++ {
		pivot[j] = rowfmt.Null()
	}

	conflict := false
	i.t.AscendGreaterOrEqual(pivot, func(cur rowfmt.Tuple) bool {
		conflict = i.shape.CompareUnique(cur, t) == 0
		return false
	})
	if conflict {
		return i.duplicate(t)
	}
	return nil
}

func (i *Index) duplicate(t rowfmt.Tuple) error {
	return &dberr.DuplicateKeyError{Index: i.name, Values: i.shape.Format(t)}
}

// Replace swaps the entry with the key of t for a copy of t.
func (i *Index) Replace(t rowfmt.Tuple) (rowfmt.Tuple, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.t.Get(t); !ok {
		return nil, false
	}
	return i.t.ReplaceOrInsert(t.Clone())
}

func (i *Index) Delete(key rowfmt.Tuple) (rowfmt.Tuple, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.t.Delete(key)
}

// Ascend calls fn for every entry in key order until fn returns false.
// fn must not modify the index.
func (i *Index) Ascend(fn func(rowfmt.Tuple) bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	i.t.Ascend(func(t rowfmt.Tuple) bool {
		return fn(t)
	})
}

func (i *Index) Entries() []rowfmt.Tuple {
	res := make([]rowfmt.Tuple, 0, i.Len())
	i.Ascend(func(t rowfmt.Tuple) bool {
		res = append(res, t)
		return true
	})
	return res
}
