package rowmerge

import (
	"context"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

const DefaultYieldRows = 1000

// Sink receives the tuples of one target.
type Sink interface {
	Add(t rowfmt.Tuple) error
}

// Scanner reads the source table once and feeds every target with its
// tuples. The latch is released every YieldRows rows and whenever writers
// are waiting for it.
type Scanner struct {
	Cursor    common.ClusteredCursor
	Mapper    *rowmap.Mapper
	Blobs     common.BlobReader
	Sinks     []Sink
	YieldRows int

	// Isolated makes a failing target drop out while the others go on.
	// Otherwise the first failure ends the scan.
	Isolated bool

	Logger src.Logger

	rows   atomic.Uint64
	failed []error
}

// Rows returns the number of rows read so far.
func (s *Scanner) Rows() uint64 {
	return s.rows.Load()
}

// Failed returns the error of every target that dropped out, or nil.
func (s *Scanner) Failed() []error {
	return s.failed
}

func (s *Scanner) Run(ctx context.Context) error {
	if s.YieldRows <= 0 {
		s.YieldRows = DefaultYieldRows
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop().Sugar()
	}
	s.failed = make([]error, len(s.Sinks))
	alive := len(s.Sinks)

	s.Cursor.Lock()
	defer s.Cursor.Unlock()

	sinceYield := 0
	for {
		if err := interrupted(ctx); err != nil {
			return err
		}

		if sinceYield >= s.YieldRows || s.Cursor.Waiters() {
			s.Cursor.Unlock()
			runtime.Gosched()
			s.Cursor.Lock()
			sinceYield = 0
		}

		rec, ok, err := s.Cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		tuples, err := s.Mapper.Build(rec, s.Blobs)
		if err != nil {
			return err
		}

		for i, t := range tuples {
			if s.failed[i] != nil {
				continue
			}

			err := s.Sinks[i].Add(t)
			if err == nil {
				continue
			}
			if !s.Isolated {
				return err
			}

			s.failed[i] = err
			alive--
			s.Logger.Warnw(
				"target dropped from scan",
				"target", s.Mapper.Targets()[i].Name,
				zap.Error(err),
			)
			if alive == 0 {
				return err
			}
		}

		s.rows.Add(1)
		sinceYield++
	}

	s.Logger.Debugw("scan finished", "rows", s.rows.Load())
	return nil
}
