package ddl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowlog"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmerge"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/tree"
	"github.com/Blackdeer1524/onlineddl/src/txns"
)

// maxCatchUpRounds bounds the drains made without the exclusive latch. The
// rest of the log is applied while writers are shut out.
const maxCatchUpRounds = 16

// Source is the table a build reads from and publishes into.
// ReadView, AttachLog, DetachLog, PublishIndex and PublishRebuild are only
// called from within Quiesce.
type Source interface {
	Definition() *rowmap.TableDef
	Blobs() common.BlobReader
	SharedLatch() sync.Locker
	OpenCursor(rv *txns.ReadView) common.ClusteredCursor

	// Quiesce runs fn once the transactions that changed the table have
	// ended, with new changes held off.
	Quiesce(ctx context.Context, fn func() error) error
	ReadView() *txns.ReadView
	AttachLog(l common.RowLogger)
	DetachLog(l common.RowLogger)

	PublishIndex(def *rowmap.IndexDef, idx *tree.Index) error
	PublishRebuild(def *rowmap.TableDef, clustered *tree.Index, secondaries []*tree.Index) error
}

type onlineLog interface {
	common.RowLogger

	Name() string
	Tail() common.LogOffset
	Records() uint64
	Err() error
	SetError(err error)
	Close() error
}

// target is one structure filled by the build.
type target struct {
	name   string
	shape  *rowfmt.Shape
	index  *rowmap.IndexDef
	stream *stream

	merger *rowmerge.Merger
	tree   *tree.Index
	err    error
}

// stream is an online log together with the targets it is replayed into.
type stream struct {
	log        onlineLog
	targets    []*target
	newApplier func(trees []*tree.Index) *rowlog.Applier
	applier    atomic.Pointer[rowlog.Applier]
}

func (s *stream) failed() bool {
	for _, t := range s.targets {
		if t.err != nil {
			return true
		}
	}
	return false
}

func (s *stream) trees() []*tree.Index {
	res := make([]*tree.Index, len(s.targets))
	for i, t := range s.targets {
		res[i] = t.tree
	}
	return res
}

// Build is an online index build or table rebuild. The source table stays
// writable while the build runs; its changes are collected in online logs
// and replayed into the new structures.
type Build struct {
	ID uuid.UUID

	cfg    Config
	src    Source
	plan   Plan
	mapper *rowmap.Mapper
	rv     *txns.ReadView
	table  string
	logger src.Logger

	targets []*target
	streams []*stream

	stage   atomic.Int32
	started time.Time

	mu       sync.Mutex
	scanner  *rowmerge.Scanner
	cancel   context.CancelCauseFunc
	attached bool
	released bool
}

// Begin prepares a build of plan over s. The online logs are attached and
// the read view of the scan is taken while the table is quiesced, so every
// change is either seen by the scan or logged.
func Begin(ctx context.Context, s Source, plan Plan, cfg Config) (*Build, error) {
	cfg.setDefaults()
	if err := plan.validate(); err != nil {
		return nil, err
	}

	def := s.Definition()
	b := &Build{
		ID:     uuid.New(),
		cfg:    cfg,
		src:    s,
		plan:   plan,
		table:  def.Name,
		logger: cfg.Logger,
	}

	var err error
	if plan.Rebuild != nil {
		b.mapper, err = rowmap.NewRebuildMapper(def, plan.Rebuild)
	} else {
		b.mapper, err = rowmap.NewIndexMapper(def, plan.AddIndexes...)
	}
	if err != nil {
		return nil, err
	}

	if err := b.openLogs(); err != nil {
		b.closeLogs()
		return nil, err
	}

	err = s.Quiesce(ctx, func() error {
		b.rv = s.ReadView()
		for _, st := range b.streams {
			s.AttachLog(st.log)
		}
		b.attached = true
		return nil
	})
	if err != nil {
		b.closeLogs()
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		return nil, fmt.Errorf("failed to attach online logs: %w", err)
	}

	b.logger.Infow(
		"build started",
		"build", b.ID.String(),
		"table", b.table,
		"kind", plan.kind(),
		"targets", b.names(b.targets),
	)
	return b, nil
}

func (b *Build) openLogs() error {
	latch := b.src.SharedLatch()
	to := b.mapper.To()

	for _, t := range b.mapper.Targets() {
		b.targets = append(b.targets, &target{name: t.Name, shape: t.Shape})
	}

	if b.plan.Rebuild != nil {
		l, err := rowlog.NewRebuildLog(b.mapper, b.src.Blobs(), b.cfg.logConfig())
		if err != nil {
			return err
		}

		st := &stream{
			log:     l,
			targets: b.targets,
			newApplier: func(trees []*tree.Index) *rowlog.Applier {
				return l.NewApplier(trees[0], trees[1:], latch)
			},
		}
		for _, t := range b.targets {
			t.stream = st
		}
		b.streams = append(b.streams, st)
		return nil
	}

	for i, t := range b.targets {
		t.index = b.plan.AddIndexes[i]

		l, err := rowlog.NewIndexLog(to, t.name, b.src.Blobs(), b.cfg.logConfig())
		if err != nil {
			return err
		}

		st := &stream{
			log:     l,
			targets: []*target{t},
			newApplier: func(trees []*tree.Index) *rowlog.Applier {
				return l.NewApplier(trees[0], latch)
			},
		}
		t.stream = st
		b.streams = append(b.streams, st)
	}
	return nil
}

func (b *Build) names(targets []*target) []string {
	res := make([]string, len(targets))
	for i, t := range targets {
		res[i] = t.name
	}
	return res
}

func (b *Build) alive() []*target {
	res := make([]*target, 0, len(b.targets))
	for _, t := range b.targets {
		if t.err == nil {
			res = append(res, t)
		}
	}
	return res
}

// Run scans the table, sorts and loads every target, replays the online
// logs and publishes the result. A failing index is dropped while the
// others go on; it is listed in the result and its error is returned.
// Any failure of a rebuild fails the whole build and leaves the table as
// it was.
func (b *Build) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b.mu.Lock()
	if b.released || b.cancel != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: build %s is not runnable", ErrAborted, b.ID)
	}
	b.cancel = cancel
	b.mu.Unlock()

	b.started = time.Now()
	res, err := b.run(ctx)
	if res == nil {
		stage := b.Stage()
		b.setStage(StageFailed)
		b.logger.Errorw(
			"build failed",
			"build", b.ID.String(),
			"table", b.table,
			"stage", stage.String(),
			zap.Error(err),
		)
		b.release()
		return nil, err
	}

	b.release()
	b.setStage(StageDone)
	b.logger.Infow(
		"build finished",
		"build", b.ID.String(),
		"table", b.table,
		"published", res.Published,
		"failed", len(res.Failed),
		"rows", res.Rows,
		"log_records", res.LogRecords,
		"duration", res.Duration,
	)
	return res, err
}

func (b *Build) run(ctx context.Context) (*Result, error) {
	if err := b.scan(ctx); err != nil {
		return nil, err
	}
	if err := b.load(ctx); err != nil {
		return nil, err
	}
	if err := b.catchUp(ctx); err != nil {
		return nil, err
	}
	if err := b.finish(ctx); err != nil {
		return nil, err
	}

	res := &Result{
		ID:       b.ID,
		Failed:   make(map[string]error),
		Duration: time.Since(b.started),
	}
	b.mu.Lock()
	res.Rows = b.scanner.Rows()
	b.mu.Unlock()

	var errs []error
	for _, t := range b.targets {
		if t.err != nil {
			res.Failed[t.name] = t.err
			errs = append(errs, fmt.Errorf("%s: %w", t.name, t.err))
		}
	}
	for _, st := range b.streams {
		res.LogRecords += st.log.Records()
		if !st.failed() {
			res.Published = append(res.Published, b.published(st)...)
		}
	}
	if len(res.Published) == 0 {
		return nil, errors.Join(errs...)
	}
	return res, errors.Join(errs...)
}

func (b *Build) published(st *stream) []string {
	if b.plan.Rebuild != nil {
		return []string{b.plan.Rebuild.Name}
	}
	return b.names(st.targets)
}

// drop takes the targets of st out of the build. Only index builds survive
// the loss of a target, and none survives an interruption.
func (b *Build) drop(st *stream, err error) error {
	if b.plan.Rebuild != nil || errors.Is(err, dberr.ErrInterrupted) {
		return err
	}

	for _, t := range st.targets {
		t.err = err
	}
	st.log.SetError(fmt.Errorf("index %q dropped from the build: %w", st.log.Name(), err))

	b.logger.Warnw(
		"index dropped",
		"build", b.ID.String(),
		"index", st.log.Name(),
		zap.Error(err),
	)
	return nil
}

func (b *Build) scan(ctx context.Context) error {
	b.setStage(StageScan)

	cfg := b.cfg.mergeConfig()
	cfg.Blobs = b.src.Blobs()

	sinks := make([]rowmerge.Sink, len(b.targets))
	for i, t := range b.targets {
		t.merger = rowmerge.NewMerger(t.name, t.shape, cfg)
		sinks[i] = t.merger
	}

	s := &rowmerge.Scanner{
		Cursor:    b.src.OpenCursor(b.rv),
		Mapper:    b.mapper,
		Blobs:     b.src.Blobs(),
		Sinks:     sinks,
		YieldRows: b.cfg.YieldRows,
		Isolated:  b.plan.Rebuild == nil,
		Logger:    b.logger,
	}
	b.mu.Lock()
	b.scanner = s
	b.mu.Unlock()

	if err := s.Run(ctx); err != nil {
		return err
	}
	for i, err := range s.Failed() {
		if err == nil {
			continue
		}
		if err := b.drop(b.targets[i].stream, err); err != nil {
			return err
		}
	}

	b.logger.Infow("table scanned", "build", b.ID.String(), "rows", s.Rows())
	return nil
}

// load sorts every target and bulk loads it into a new tree. Targets are
// processed concurrently by at most MergeWorkers goroutines.
func (b *Build) load(ctx context.Context) error {
	b.setStage(StageSort)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MergeWorkers)

	var mu sync.Mutex
	for _, t := range b.alive() {
		g.Go(func() error {
			idx, err := b.sort(gctx, t)
			if err == nil {
				t.tree = idx
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			return b.drop(t.stream, err)
		})
	}
	return g.Wait()
}

func (b *Build) sort(ctx context.Context, t *target) (*tree.Index, error) {
	defer func() {
		if err := t.merger.Close(); err != nil {
			b.logger.Warnw("failed to remove run files", "index", t.name, zap.Error(err))
		}
	}()

	if err := t.merger.Sort(ctx); err != nil {
		return nil, err
	}
	if err := t.merger.Dup().Err(); err != nil {
		return nil, err
	}

	idx, err := t.merger.Load(ctx)
	if err != nil {
		return nil, err
	}

	b.logger.Debugw(
		"index loaded",
		"build", b.ID.String(),
		"index", t.name,
		"entries", idx.Len(),
		"spills", t.merger.Spills(),
		"passes", t.merger.Passes(),
	)
	return idx, nil
}

func (b *Build) liveStreams() []*stream {
	res := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		if !st.failed() {
			res = append(res, st)
		}
	}
	return res
}

// catchUp applies the logs while writers go on, until what is left to
// apply fits into a block or the round limit is hit.
func (b *Build) catchUp(ctx context.Context) error {
	b.setStage(StageCatchUp)

	for _, st := range b.liveStreams() {
		st.applier.Store(st.newApplier(st.trees()))
	}

	for range maxCatchUpRounds {
		behind := false
		for _, st := range b.liveStreams() {
			a := st.applier.Load()
			if err := a.Drain(ctx, false); err != nil {
				if err := b.drop(st, err); err != nil {
					return err
				}
				continue
			}
			if a.Progress() > uint64(b.cfg.BlockSize) { //nolint:gosec
				behind = true
			}
		}
		if !behind {
			return nil
		}
	}
	return nil
}

// finish applies the rest of every log with the table quiesced and
// publishes the targets whose logs were applied completely.
func (b *Build) finish(ctx context.Context) error {
	b.setStage(StageFinish)

	err := b.src.Quiesce(ctx, func() error {
		for _, st := range b.liveStreams() {
			if err := st.applier.Load().Drain(ctx, true); err != nil {
				if err := b.drop(st, err); err != nil {
					return err
				}
			}
		}

		for _, st := range b.liveStreams() {
			if err := b.publish(st); err != nil {
				if err := b.drop(st, err); err != nil {
					return err
				}
			}
		}

		b.detach()
		return nil
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, dberr.ErrInterrupted) {
		return interrupted(ctx)
	}
	return err
}

func (b *Build) publish(st *stream) error {
	trees := st.trees()
	if b.plan.Rebuild != nil {
		return b.src.PublishRebuild(b.mapper.To(), trees[0], trees[1:])
	}
	return b.src.PublishIndex(st.targets[0].index, trees[0])
}

// detach must run while the table is quiesced.
func (b *Build) detach() {
	for _, st := range b.streams {
		b.src.DetachLog(st.log)
	}
	b.attached = false
}

func (b *Build) closeLogs() {
	var errs []error
	for _, st := range b.streams {
		errs = append(errs, st.log.Close())
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warnw("failed to remove online logs", "build", b.ID.String(), zap.Error(err))
	}
}

// release detaches the logs if they are still attached and removes every
// temporary file of the build.
func (b *Build) release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.mu.Unlock()

	if b.attached {
		err := b.src.Quiesce(context.Background(), func() error {
			b.detach()
			return nil
		})
		if err != nil {
			b.logger.Errorw("failed to detach online logs", "build", b.ID.String(), zap.Error(err))
		}
	}

	for _, t := range b.targets {
		if t.merger == nil {
			continue
		}
		if err := t.merger.Close(); err != nil {
			b.logger.Warnw("failed to remove run files", "index", t.name, zap.Error(err))
		}
	}
	b.closeLogs()
}

// Abort stops a running build. A build that has not been run releases its
// logs right away.
func (b *Build) Abort() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel(ErrAborted)
		return
	}
	b.release()
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", dberr.ErrInterrupted, context.Cause(ctx))
}
