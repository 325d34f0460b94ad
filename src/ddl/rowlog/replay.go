package rowlog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/tree"
)

type indexReplayer struct {
	idx *tree.Index
}

func (p indexReplayer) apply(r *Record, _ sync.Locker) error {
	switch r.Tag {
	case TypeInsert:
		err := p.idx.Insert(r.Row)
		if errors.Is(err, tree.ErrKeyExists) {
			return nil
		}
		return err
	case TypeDelete:
		p.idx.Delete(r.Row)
		return nil
	default:
		assert.Assert(false, "unexpected %s record in an index log", r.Tag)
		panic("unreachable")
	}
}

// NewApplier returns an applier that replays the log into idx, the loaded
// index. latch excludes the writers of the source table.
func (l *IndexLog) NewApplier(idx *tree.Index, latch sync.Locker) *Applier {
	return newApplier(l.Log, indexCodec{shape: l.shape}, indexReplayer{idx: idx}, latch)
}

func (l *IndexLog) Dump(b *strings.Builder) error {
	return dump(l.Log, indexCodec{shape: l.shape}, b)
}

type rebuildReplayer struct {
	mapper      *rowmap.Mapper
	clustered   *tree.Index
	secondaries []*tree.Index
	blobs       common.BlobReader
	tracking    *BlobTrackingMap
	logger      src.Logger

	// keys of rows whose insert was skipped for missing history
	skipped map[string]struct{}
}

// NewApplier returns an applier that replays the log into the loaded
// clustered index and secondaries, one per index of the target definition.
func (l *RebuildLog) NewApplier(
	clustered *tree.Index,
	secondaries []*tree.Index,
	latch sync.Locker,
) *Applier {
	assert.Assert(
		len(secondaries) == len(l.mapper.To().Indexes),
		"%d secondary indexes for %d definitions", len(secondaries), len(l.mapper.To().Indexes),
	)

	p := &rebuildReplayer{
		mapper:      l.mapper,
		clustered:   clustered,
		secondaries: secondaries,
		blobs:       l.blobs,
		tracking:    l.tracking,
		logger:      l.cfg.Logger,
		skipped:     make(map[string]struct{}),
	}
	return newApplier(l.Log, l.codec(), p, latch)
}

func (l *RebuildLog) codec() recordCodec {
	return rebuildCodec{
		row:    l.mapper.From().RecordShape(),
		key:    l.mapper.To().KeyShape(),
		samePK: l.mapper.SamePK(),
	}
}

func (l *RebuildLog) Dump(b *strings.Builder) error {
	return dump(l.Log, l.codec(), b)
}

func (p *rebuildReplayer) keyShape() *rowfmt.Shape {
	return p.mapper.To().KeyShape()
}

func (p *rebuildReplayer) skip(key rowfmt.Tuple) {
	enc, err := rowfmt.EncodeSort(nil, p.keyShape(), key)
	assert.NoError(err)
	p.skipped[string(enc)] = struct{}{}
}

func (p *rebuildReplayer) wasSkipped(key rowfmt.Tuple) bool {
	enc, err := rowfmt.EncodeSort(nil, p.keyShape(), key)
	assert.NoError(err)
	_, ok := p.skipped[string(enc)]
	return ok
}

func (p *rebuildReplayer) apply(r *Record, guard sync.Locker) error {
	switch r.Tag {
	case TypeInsert:
		return p.insert(r, guard)
	case TypeUpdate:
		return p.update(r, guard)
	case TypeDelete:
		return p.delete(r.Key)
	default:
		assert.Assert(false, "unexpected %s record in a rebuild log", r.Tag)
		panic("unreachable")
	}
}

// convert builds the target record of a logged row after checking that its
// off-page values are still the ones that were logged.
func (p *rebuildReplayer) convert(r *Record, guard sync.Locker) (rowfmt.Tuple, error) {
	rec, err := p.read(r, guard)
	if err != nil {
		return nil, err
	}
	if err := p.mapper.To().CheckStored(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *rebuildReplayer) read(r *Record, guard sync.Locker) (rowfmt.Tuple, error) {
	if !r.Row.HasExt() {
		return p.mapper.Convert(r.Row, p.blobs)
	}

	guard.Lock()
	defer guard.Unlock()

	for _, f := range r.Row {
		if !f.Ext {
			continue
		}
		ref, err := rowfmt.DecodeBlobRef(f.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", dberr.ErrCorruption, err)
		}
		if err := p.tracking.Check(common.PageID(ref.Page), r.Offset); err != nil {
			return nil, err
		}
	}
	return p.mapper.Convert(r.Row, p.blobs)
}

func (p *rebuildReplayer) insert(r *Record, guard sync.Locker) error {
	key, err := p.mapper.NewKey(r.Row, p.blobs)
	if err != nil {
		return err
	}

	rec, err := p.convert(r, guard)
	if errors.Is(err, dberr.ErrMissingHistory) {
		p.logger.Debugw(
			"insert skipped",
			"offset", r.Offset,
			"key", p.keyShape().Format(key),
			"reason", err.Error(),
		)
		p.skip(key)
		return nil
	}
	if err != nil {
		return err
	}
	return p.insertRecord(rec)
}

func (p *rebuildReplayer) insertRecord(rec rowfmt.Tuple) error {
	err := p.clustered.Insert(rec)
	if errors.Is(err, tree.ErrKeyExists) {
		return nil
	}
	if err != nil {
		return err
	}

	to := p.mapper.To()
	for i, idx := range p.secondaries {
		e, err := to.Entry(to.Indexes[i].Name, rec, nil)
		if err != nil {
			return err
		}
		if err := idx.Insert(e); err != nil && !errors.Is(err, tree.ErrKeyExists) {
			return err
		}
	}
	return nil
}

func (p *rebuildReplayer) deleteRecord(key rowfmt.Tuple) (bool, error) {
	old, ok := p.clustered.Delete(key)
	if !ok {
		return false, nil
	}

	to := p.mapper.To()
	for i, idx := range p.secondaries {
		e, err := to.Entry(to.Indexes[i].Name, old, nil)
		if err != nil {
			return true, err
		}
		idx.Delete(e)
	}
	return true, nil
}

func (p *rebuildReplayer) update(r *Record, guard sync.Locker) error {
	newKey, err := p.mapper.NewKey(r.Row, p.blobs)
	if err != nil {
		return err
	}
	key := newKey
	if !p.mapper.SamePK() {
		key = r.Key
	}

	old, ok := p.clustered.Get(key)
	if !ok {
		if !p.wasSkipped(key) {
			return fmt.Errorf(
				"%w: update of missing row %v", dberr.ErrCorruption, p.keyShape().Format(key),
			)
		}
		return p.insert(r, guard)
	}

	rec, err := p.convert(r, guard)
	if errors.Is(err, dberr.ErrMissingHistory) {
		p.logger.Debugw(
			"update applied as delete",
			"offset", r.Offset,
			"key", p.keyShape().Format(key),
			"reason", err.Error(),
		)
		if _, err := p.deleteRecord(key); err != nil {
			return err
		}
		p.skip(key)
		p.skip(newKey)
		return nil
	}
	if err != nil {
		return err
	}

	if p.keyShape().Compare(key, newKey) != 0 {
		if p.mapper.SamePK() {
			return fmt.Errorf("%w: primary key changed by an update", dberr.ErrCorruption)
		}
		if _, err := p.deleteRecord(key); err != nil {
			return err
		}
		return p.insertRecord(rec)
	}

	if old.Equal(rec) {
		return nil
	}
	return p.replaceRecord(old, rec)
}

func (p *rebuildReplayer) replaceRecord(old, rec rowfmt.Tuple) error {
	to := p.mapper.To()

	type change struct {
		idx      *tree.Index
		old, new rowfmt.Tuple
	}
	changes := make([]change, 0, len(p.secondaries))
	for i, idx := range p.secondaries {
		name := to.Indexes[i].Name
		oldEntry, err := to.Entry(name, old, nil)
		if err != nil {
			return err
		}
		newEntry, err := to.Entry(name, rec, nil)
		if err != nil {
			return err
		}
		if !oldEntry.Equal(newEntry) {
			changes = append(changes, change{idx: idx, old: oldEntry, new: newEntry})
		}
	}

	_, ok := p.clustered.Replace(rec)
	assert.Assert(ok, "replaced row disappeared")

	for _, c := range changes {
		c.idx.Delete(c.old)
		if err := c.idx.Insert(c.new); err != nil && !errors.Is(err, tree.ErrKeyExists) {
			return err
		}
	}
	return nil
}

func (p *rebuildReplayer) delete(key rowfmt.Tuple) error {
	found, err := p.deleteRecord(key)
	if err != nil {
		return err
	}
	if !found && !p.wasSkipped(key) {
		return fmt.Errorf(
			"%w: delete of missing row %v", dberr.ErrCorruption, p.keyShape().Format(key),
		)
	}
	return nil
}
