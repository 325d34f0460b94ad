package rowmerge

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/disk"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

// Run is a sorted sequence of records stored in consecutive blocks of a
// file. Records may cross block boundaries; the run ends with a zero byte.
type Run struct {
	Start  uint64
	Blocks uint64
}

// RunWriter appends one run to a block file.
type RunWriter struct {
	f     *disk.BlockFile
	shape *rowfmt.Shape
	start uint64
	next  uint64
	block []byte
	pos   int
	enc   []byte
}

func NewRunWriter(f *disk.BlockFile, shape *rowfmt.Shape, start uint64) *RunWriter {
	return &RunWriter{
		f:     f,
		shape: shape,
		start: start,
		next:  start,
		block: make([]byte, f.BlockSize()),
	}
}

func (w *RunWriter) Write(t rowfmt.Tuple) error {
	var err error
	w.enc, err = rowfmt.EncodeSort(w.enc[:0], w.shape, t)
	if err != nil {
		return err
	}
	return w.write(w.enc)
}

func (w *RunWriter) write(b []byte) error {
	for len(b) > 0 {
		n := copy(w.block[w.pos:], b)
		w.pos += n
		b = b[n:]

		if w.pos == len(w.block) {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *RunWriter) flush() error {
	clear(w.block[w.pos:])
	if err := w.f.WriteBlock(w.block, w.next); err != nil {
		return err
	}
	w.next++
	w.pos = 0
	return nil
}

// Finish terminates the run and writes out its last block.
func (w *RunWriter) Finish() (Run, error) {
	if err := w.write([]byte{rowfmt.EndOfRun}); err != nil {
		return Run{}, err
	}
	if w.pos > 0 {
		if err := w.flush(); err != nil {
			return Run{}, err
		}
	}
	return Run{Start: w.start, Blocks: w.next - w.start}, nil
}

// RunReader decodes the records of one run. Tuples returned by Next stay
// valid until the following call.
type RunReader struct {
	f     *disk.BlockFile
	shape *rowfmt.Shape
	run   Run

	next  uint64
	block []byte
	pos   int
	side  []byte
	arena *rowfmt.Arena
	done  bool
}

func NewRunReader(f *disk.BlockFile, shape *rowfmt.Shape, run Run) *RunReader {
	return &RunReader{
		f:     f,
		shape: shape,
		run:   run,
		next:  run.Start,
		arena: rowfmt.NewArena(f.BlockSize()),
	}
}

func (r *RunReader) readBlock() error {
	if r.next >= r.run.Start+r.run.Blocks {
		return fmt.Errorf(
			"%w: run at block %d is not terminated", dberr.ErrCorruption, r.run.Start,
		)
	}

	if r.block == nil {
		r.block = make([]byte, r.f.BlockSize())
	}
	if err := r.f.ReadBlock(r.block, r.next); err != nil {
		return err
	}
	r.next++
	r.pos = 0
	return nil
}

func (r *RunReader) Next() (rowfmt.Tuple, bool, error) {
	if r.done {
		return nil, false, nil
	}
	r.arena.Reset()

	if r.block == nil || r.pos == len(r.block) {
		if err := r.readBlock(); err != nil {
			return nil, false, err
		}
	}

	t, n, err := rowfmt.Decode(r.block[r.pos:], r.shape, r.arena)
	switch {
	case err == nil:
		r.pos += n
		return t, true, nil
	case errors.Is(err, rowfmt.ErrEndOfRun):
		r.done = true
		return nil, false, nil
	case !errors.Is(err, rowfmt.ErrTruncated):
		return nil, false, err
	}

	// The record continues in the next block.
	r.side = append(r.side[:0], r.block[r.pos:]...)
	rest := len(r.side)
	if err := r.readBlock(); err != nil {
		return nil, false, err
	}
	r.side = append(r.side, r.block...)

	t, n, err = rowfmt.Decode(r.side, r.shape, r.arena)
	if err != nil {
		if errors.Is(err, rowfmt.ErrTruncated) {
			err = fmt.Errorf("%w: record longer than a block", dberr.ErrCorruption)
		}
		return nil, false, err
	}
	r.pos = n - rest
	return t, true, nil
}
