package blob

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

var ErrNoSuchPage = errors.New("no such blob page")

// Store keeps values that are too long to be stored in a row. Each value
// occupies one page. Freed page numbers are handed out again, most recently
// freed first.
type Store struct {
	mu    sync.Mutex
	pages map[common.PageID][]byte
	free  []common.PageID
	next  common.PageID
}

var _ common.BlobReader = &Store{}

func NewStore() *Store {
	return &Store{
		pages: make(map[common.PageID][]byte),
		next:  1,
	}
}

func (s *Store) Alloc(data []byte) rowfmt.BlobRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	var page common.PageID
	if n := len(s.free); n > 0 {
		page = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		page = s.next
		s.next++
	}

	value := make([]byte, len(data))
	copy(value, data)
	s.pages[page] = value

	return rowfmt.BlobRef{Page: uint32(page), Len: uint64(len(data))}
}

func (s *Store) Free(page common.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pages[page]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPage, page)
	}

	delete(s.pages, page)
	s.free = append(s.free, page)
	return nil
}

func (s *Store) ReadBlob(ref rowfmt.BlobRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.pages[common.PageID(ref.Page)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchPage, ref.Page)
	}
	if uint64(len(value)) != ref.Len {
		return nil, fmt.Errorf(
			"%w: blob page %d holds %d bytes, reference says %d",
			dberr.ErrCorruption, ref.Page, len(value), ref.Len,
		)
	}
	return value, nil
}

// Pages returns the number of allocated pages.
func (s *Store) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pages)
}

// Resolve replaces externally stored fields of t with their values.
func Resolve(r common.BlobReader, t rowfmt.Tuple) (rowfmt.Tuple, error) {
	if !t.HasExt() {
		return t, nil
	}

	res := make(rowfmt.Tuple, len(t))
	copy(res, t)
	for i, f := range t {
		if !f.Ext || f.Null {
			continue
		}

		ref, err := rowfmt.DecodeBlobRef(f.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", dberr.ErrCorruption, err)
		}
		value, err := r.ReadBlob(ref)
		if err != nil {
			return nil, err
		}
		res[i] = rowfmt.Bytes(value)
	}
	return res, nil
}
