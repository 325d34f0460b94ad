package rowlog

import (
	"fmt"
	"sync"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
)

type blobState struct {
	freedAt   common.LogOffset
	reallocAt common.LogOffset
	realloced bool
}

// BlobTrackingMap remembers where in the log off-page value pages were
// freed. A page that is not in the map has not been freed since the log
// was created, so every reference to it is valid.
type BlobTrackingMap struct {
	mu    sync.Mutex
	pages map[common.PageID]*blobState
}

func NewBlobTrackingMap() *BlobTrackingMap {
	return &BlobTrackingMap{pages: make(map[common.PageID]*blobState)}
}

// Free records that page was freed when the log tail was at offset.
func (m *BlobTrackingMap) Free(page common.PageID, offset common.LogOffset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pages[page]
	if !ok {
		m.pages[page] = &blobState{freedAt: offset}
		return
	}
	s.freedAt = offset
	s.realloced = false
}

// Alloc records a reuse of page. Pages that were never freed are not
// tracked.
func (m *BlobTrackingMap) Alloc(page common.PageID, offset common.LogOffset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.pages[page]; ok {
		s.reallocAt = offset
		s.realloced = true
	}
}

// Check validates a reference to page logged by a record starting at
// offset. It fails with dberr.ErrMissingHistory when the page has been
// freed since the record was written.
func (m *BlobTrackingMap) Check(page common.PageID, offset common.LogOffset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pages[page]
	switch {
	case !ok:
		return nil
	case offset < s.freedAt:
		return fmt.Errorf("%w: page %d freed at %d", dberr.ErrMissingHistory, page, s.freedAt)
	case !s.realloced || offset < s.reallocAt:
		return fmt.Errorf(
			"%w: record at %d references page %d while it was free",
			dberr.ErrCorruption, offset, page,
		)
	}
	return nil
}

func (m *BlobTrackingMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pages)
}
