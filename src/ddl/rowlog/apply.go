package rowlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
)

type applyState uint8

const (
	stateReadBlock applyState = iota
	stateParseRecord
	stateApplyOp
	stateDone
	stateError
)

type parseResult uint8

const (
	parseNeedMoreBytes parseResult = iota
	parseHaveRecord
	parseEOF
	parseError
)

// replayer applies decoded records to the structures being built. guard
// has to be held while off-page values of the source table are read.
type replayer interface {
	apply(r *Record, guard sync.Locker) error
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// Applier replays a log from its head. The head only moves forward after a
// record has been applied, so a drain that stops early resumes at the first
// record that was not applied.
type Applier struct {
	log    *Log
	codec  recordCodec
	replay replayer
	latch  sync.Locker
	logger src.Logger

	state applyState
	err   error

	block  []byte
	limit  int
	loaded uint64
	pos    int
	side   []byte
	join   []byte
	arena  *rowfmt.Arena

	rec    Record
	recLen int
	next   int

	head    atomic.Uint64
	applied atomic.Uint64
}

func newApplier(l *Log, codec recordCodec, replay replayer, latch sync.Locker) *Applier {
	return &Applier{
		log:    l,
		codec:  codec,
		replay: replay,
		latch:  latch,
		logger: l.cfg.Logger,
		block:  make([]byte, l.cfg.BlockSize),
		arena:  rowfmt.NewArena(l.cfg.BlockSize),
	}
}

// Head returns the offset of the first record that was not applied.
func (a *Applier) Head() common.LogOffset {
	return common.LogOffset(a.head.Load())
}

// Progress returns the number of logged bytes that still have to be
// applied.
func (a *Applier) Progress() uint64 {
	return uint64(a.log.Tail() - a.Head())
}

func (a *Applier) Applied() uint64 {
	return a.applied.Load()
}

func (a *Applier) Err() error {
	return a.err
}

// Drain applies records up to the tail seen when it starts; records added
// meanwhile are left to the next call. With latched set the caller holds
// the table latch exclusively, so no record can be added and the log is
// done once Drain returns nil.
func (a *Applier) Drain(ctx context.Context, latched bool) error {
	if a.state == stateError {
		return a.err
	}
	if err := a.log.Err(); err != nil {
		return a.fail(err)
	}

	guard := a.latch
	if latched {
		guard = nopLocker{}
	}
	end := a.log.Tail()

	a.state = stateReadBlock
	for {
		switch a.state {
		case stateReadBlock:
			if err := interrupted(ctx); err != nil {
				return err
			}
			if err := a.readBlock(guard); err != nil {
				return a.fail(err)
			}
			a.state = stateParseRecord

		case stateParseRecord:
			if !latched && a.Head() >= end {
				a.state = stateDone
				continue
			}

			switch res, err := a.parse(); res {
			case parseNeedMoreBytes:
				a.state = stateReadBlock
			case parseHaveRecord:
				a.state = stateApplyOp
			case parseEOF:
				a.state = stateDone
			case parseError:
				return a.fail(err)
			}

		case stateApplyOp:
			if err := a.replay.apply(&a.rec, guard); err != nil {
				return a.fail(err)
			}
			a.pos = a.next
			a.head.Add(uint64(a.recLen)) //nolint:gosec
			a.applied.Add(1)

			if err := interrupted(ctx); err != nil {
				return err
			}
			a.state = stateParseRecord

		case stateDone:
			if latched {
				tail := a.log.Tail()
				assert.Assert(a.Head() == tail, "log %q drained to %d, tail is at %d", a.log.name, a.Head(), tail)
			}
			return a.log.Err()

		case stateError:
			return a.err
		}
	}
}

func (a *Applier) fail(err error) error {
	a.state = stateError
	a.err = err
	if dberr.Fatal(err) {
		a.log.SetError(err)
	}

	a.logger.Errorw(
		"online log replay failed",
		"log", a.log.name,
		"head", a.Head(),
		zap.Error(err),
	)
	return err
}

// readBlock loads the block the head is in. The block still being filled
// is copied with writers shut out by guard.
func (a *Applier) readBlock(guard sync.Locker) error {
	for {
		if a.loaded < a.log.tailBlock() {
			a.limit = len(a.block)
			return a.log.readSealed(a.block, a.loaded)
		}

		guard.Lock()
		n, ok := a.log.readResident(a.block, a.loaded)
		guard.Unlock()
		if ok {
			a.limit = n
			return nil
		}
	}
}

func (a *Applier) parse() (parseResult, error) {
	a.arena.Reset()

	if len(a.side) > 0 {
		a.join = append(append(a.join[:0], a.side...), a.block[:a.limit]...)

		rec, n, err := a.codec.decode(a.join, a.arena)
		if errors.Is(err, rowfmt.ErrTruncated) {
			return parseError, fmt.Errorf(
				"%w: record at %d of log %q is cut short", dberr.ErrCorruption, a.Head(), a.log.name,
			)
		}
		if err != nil {
			return parseError, err
		}

		a.have(rec, n, n-len(a.side))
		a.side = a.side[:0]
		return parseHaveRecord, nil
	}

	if a.pos == a.limit {
		if a.limit < len(a.block) {
			return parseEOF, nil
		}
		a.log.passed(a.loaded)
		a.loaded++
		a.pos = 0
		return parseNeedMoreBytes, nil
	}

	rec, n, err := a.codec.decode(a.block[a.pos:a.limit], a.arena)
	switch {
	case err == nil:
		a.have(rec, n, a.pos+n)
		return parseHaveRecord, nil
	case !errors.Is(err, rowfmt.ErrTruncated):
		return parseError, err
	case a.limit < len(a.block):
		return parseError, fmt.Errorf(
			"%w: partial record at %d of log %q", dberr.ErrCorruption, a.Head(), a.log.name,
		)
	}

	a.side = append(a.side[:0], a.block[a.pos:a.limit]...)
	a.log.passed(a.loaded)
	a.loaded++
	a.pos = 0
	return parseNeedMoreBytes, nil
}

func (a *Applier) have(rec Record, n int, next int) {
	rec.Offset = a.Head()
	a.rec = rec
	a.recLen = n
	a.next = next
}

// dumper writes every record it is given instead of applying it.
type dumper struct {
	b     *strings.Builder
	codec recordCodec
}

func (d dumper) apply(r *Record, _ sync.Locker) error {
	fmt.Fprintf(d.b, "[%d]: %s\n", r.Offset, d.codec.dump(r))
	return nil
}

// Dump prints the records of a log that no writer appends to anymore.
func dump(l *Log, codec recordCodec, b *strings.Builder) error {
	a := newApplier(l, codec, dumper{b: b, codec: codec}, nopLocker{})
	return a.Drain(context.Background(), true)
}

func interrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", dberr.ErrInterrupted, context.Cause(ctx))
	}
	return nil
}
