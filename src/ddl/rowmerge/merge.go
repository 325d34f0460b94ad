package rowmerge

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/blob"
	"github.com/Blackdeer1524/onlineddl/src/storage/disk"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/tree"
)

type Config struct {
	Fs             afero.Fs
	Dir            string
	BlockSize      int
	SortBufferSize int
	Logger         src.Logger

	// Blobs resolves off-page references of sorted tuples when they are
	// loaded.
	Blobs common.BlobReader
}

// Merger sorts the entries of one index. Entries are collected in a sort
// buffer; every full buffer is sorted and written out as a run, and runs
// are merged pairwise until one is left.
type Merger struct {
	cfg   Config
	name  string
	shape *rowfmt.Shape
	buf   *SortBuffer
	dup   *DupReport

	files  [2]*disk.BlockFile
	cur    int
	runs   []Run
	spills int
	passes int
	sorted bool
}

func NewMerger(name string, shape *rowfmt.Shape, cfg Config) *Merger {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	return &Merger{
		cfg:   cfg,
		name:  name,
		shape: shape,
		buf:   NewSortBuffer(shape, cfg.SortBufferSize, cfg.BlockSize),
		dup:   NewDupReport(name),
	}
}

func (m *Merger) Name() string {
	return m.name
}

func (m *Merger) Dup() *DupReport {
	return m.dup
}

// Runs returns the number of runs currently on disk.
func (m *Merger) Runs() int {
	return len(m.runs)
}

// Spills returns the number of times the sort buffer was written out.
func (m *Merger) Spills() int {
	return m.spills
}

func (m *Merger) Passes() int {
	return m.passes
}

func (m *Merger) Add(t rowfmt.Tuple) error {
	res, err := m.buf.Add(t)
	if err != nil || res == Added {
		return err
	}

	if err := m.spill(); err != nil {
		return err
	}

	res, err = m.buf.Add(t)
	if err != nil {
		return err
	}
	if res == Full {
		return fmt.Errorf("%w: entry of %q does not fit an empty buffer", dberr.ErrTooBigRecord, m.name)
	}
	return nil
}

func (m *Merger) file(i int) (*disk.BlockFile, error) {
	if m.files[i] != nil {
		return m.files[i], nil
	}

	f, err := disk.CreateTemp(m.cfg.Fs, m.cfg.Dir, "merge-"+m.name, m.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	m.files[i] = f
	return f, nil
}

func (m *Merger) spill() error {
	m.buf.Sort(m.dup)
	if err := m.dup.Err(); err != nil {
		return err
	}

	f, err := m.file(m.cur)
	if err != nil {
		return err
	}

	w := NewRunWriter(f, m.shape, f.Blocks())
	if err := m.buf.Write(w); err != nil {
		return err
	}
	run, err := w.Finish()
	if err != nil {
		return err
	}

	m.cfg.Logger.Debugw(
		"sort buffer spilled",
		"index", m.name,
		"entries", m.buf.Len(),
		"run", len(m.runs),
		"blocks", run.Blocks,
	)
	m.runs = append(m.runs, run)
	m.spills++
	m.buf.Reset()
	return nil
}

// Sort finishes collecting entries and merges the runs.
func (m *Merger) Sort(ctx context.Context) error {
	if len(m.runs) == 0 {
		m.buf.Sort(m.dup)
		if err := m.dup.Err(); err != nil {
			return err
		}
		m.sorted = true
		return nil
	}

	if m.buf.Len() > 0 {
		if err := m.spill(); err != nil {
			return err
		}
	}

	for len(m.runs) > 1 {
		if err := m.pass(ctx); err != nil {
			return err
		}
	}
	m.sorted = true
	return nil
}

// pass merges run i with run i+half for every i below half into the other
// file. With an odd number of runs the middle one is copied.
func (m *Merger) pass(ctx context.Context) error {
	in, err := m.file(m.cur)
	if err != nil {
		return err
	}
	out, err := m.file(1 - m.cur)
	if err != nil {
		return err
	}
	if err := out.Reset(); err != nil {
		return err
	}

	n := len(m.runs)
	half := (n + 1) / 2
	merged := make([]Run, 0, half)

	for i := range n / 2 {
		w := NewRunWriter(out, m.shape, out.Blocks())
		if err := m.mergeRuns(ctx, in, m.runs[i], m.runs[i+half], w); err != nil {
			return err
		}
		run, err := w.Finish()
		if err != nil {
			return err
		}
		merged = append(merged, run)
	}

	if n%2 == 1 {
		w := NewRunWriter(out, m.shape, out.Blocks())
		if err := m.copyRun(ctx, in, m.runs[half-1], w); err != nil {
			return err
		}
		run, err := w.Finish()
		if err != nil {
			return err
		}
		merged = append(merged, run)
	}

	m.passes++
	m.cfg.Logger.Debugw(
		"merge pass finished",
		"index", m.name,
		"pass", m.passes,
		"runs_in", n,
		"runs_out", len(merged),
	)

	m.runs = merged
	m.cur = 1 - m.cur
	return in.Reset()
}

func interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", dberr.ErrInterrupted, context.Cause(ctx))
	}
	return nil
}

func (m *Merger) mergeRuns(ctx context.Context, f *disk.BlockFile, a, b Run, w *RunWriter) error {
	ra := NewRunReader(f, m.shape, a)
	rb := NewRunReader(f, m.shape, b)

	ta, okA, err := ra.Next()
	if err != nil {
		return err
	}
	tb, okB, err := rb.Next()
	if err != nil {
		return err
	}

	for okA && okB {
		if err := interrupted(ctx); err != nil {
			return err
		}

		c := m.shape.Compare(ta, tb)
		if isDuplicate(m.shape, ta, tb) {
			m.dup.Report(m.shape, tb)
			return m.dup.Err()
		}

		if c <= 0 {
			if err := w.Write(ta); err != nil {
				return err
			}
			ta, okA, err = ra.Next()
		} else {
			if err := w.Write(tb); err != nil {
				return err
			}
			tb, okB, err = rb.Next()
		}
		if err != nil {
			return err
		}
	}

	for okA {
		if err := w.Write(ta); err != nil {
			return err
		}
		if ta, okA, err = ra.Next(); err != nil {
			return err
		}
	}
	for okB {
		if err := w.Write(tb); err != nil {
			return err
		}
		if tb, okB, err = rb.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merger) copyRun(ctx context.Context, f *disk.BlockFile, run Run, w *RunWriter) error {
	r := NewRunReader(f, m.shape, run)
	for {
		if err := interrupted(ctx); err != nil {
			return err
		}

		t, ok, err := r.Next()
		if err != nil || !ok {
			return err
		}
		if err := w.Write(t); err != nil {
			return err
		}
	}
}

// Each calls fn for the sorted entries in order.
func (m *Merger) Each(ctx context.Context, fn func(rowfmt.Tuple) error) error {
	if !m.sorted {
		return errors.New("entries are not sorted")
	}

	if len(m.runs) == 0 {
		for _, t := range m.buf.Tuples() {
			if err := interrupted(ctx); err != nil {
				return err
			}
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	}

	r := NewRunReader(m.files[m.cur], m.shape, m.runs[0])
	for {
		if err := interrupted(ctx); err != nil {
			return err
		}

		t, ok, err := r.Next()
		if err != nil || !ok {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}

// Load streams the sorted entries into a new index. Off-page references
// are replaced with their values.
func (m *Merger) Load(ctx context.Context) (*tree.Index, error) {
	l := tree.NewBulkLoader(m.name, m.shape)
	err := m.Each(ctx, func(t rowfmt.Tuple) error {
		if t.HasExt() {
			if m.cfg.Blobs == nil {
				return fmt.Errorf("%w: off-page value in %q without a blob reader", dberr.ErrCorruption, m.name)
			}

			var err error
			if t, err = blob.Resolve(m.cfg.Blobs, t); err != nil {
				return err
			}
		}
		return l.Append(t)
	})
	if err != nil {
		return nil, err
	}
	return l.Finish(), nil
}

// Close removes the temporary files.
func (m *Merger) Close() error {
	var errs []error
	for i, f := range m.files {
		if f != nil {
			errs = append(errs, f.Close())
			m.files[i] = nil
		}
	}
	m.buf.Reset()
	return errors.Join(errs...)
}
