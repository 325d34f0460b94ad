package table

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/storage/blob"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/tree"
	"github.com/Blackdeer1524/onlineddl/src/txns"
)

var (
	ErrRowLocked = errors.New("row is locked by another transaction")
	ErrNotFound  = errors.New("row not found")
)

const DefaultExternThreshold = 768

type Options struct {
	// Bytes values longer than ExternThreshold that are not part of the
	// primary key are stored off-page.
	ExternThreshold int
	Logger          src.Logger
}

type version struct {
	rec     rowfmt.Tuple
	trxID   common.TxnID
	deleted bool
	prev    *version

	// off-page values allocated for this version
	pages []common.PageID
}

type row struct {
	key  rowfmt.Tuple
	head *version
}

type secondary struct {
	name string
	idx  *tree.Index
}

// Table is a multi-versioned table stored in primary key order.
//
// Transactions take the table lock in intention mode on their first change
// and lock every row they touch; both are kept until they end. Every change
// happens under the latch held exclusively, which is also when attached row
// loggers are called.
type Table struct {
	locks   *txns.HierarchyLocker
	latch   sync.RWMutex
	waiting atomic.Int32

	txns            *txns.TxnManager
	blobs           *blob.Store
	externThreshold int
	log             src.Logger

	// guarded by latch
	def         *rowmap.TableDef
	rows        *btree.BTreeG[*row]
	secondaries []secondary
	online      []common.RowLogger
}

func New(def *rowmap.TableDef, m *txns.TxnManager, opts Options) *Table {
	if opts.ExternThreshold <= 0 {
		opts.ExternThreshold = DefaultExternThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	t := &Table{
		locks:           txns.NewHierarchyLocker(),
		txns:            m,
		blobs:           blob.NewStore(),
		externThreshold: min(opts.ExternThreshold, rowfmt.MaxFieldLen),
		log:             opts.Logger,
		def:             def,
		rows:            newRows(def),
	}
	for _, idx := range def.Indexes {
		t.secondaries = append(t.secondaries, secondary{
			name: idx.Name,
			idx:  tree.New(idx.Name, def.EntryShape(idx.Name)),
		})
	}
	return t
}

func newRows(def *rowmap.TableDef) *btree.BTreeG[*row] {
	key := def.KeyShape()
	return btree.NewG(32, func(a, b *row) bool {
		return key.Compare(a.key, b.key) < 0
	})
}

func (t *Table) lockExclusive() {
	t.waiting.Add(1)
	t.latch.Lock()
	t.waiting.Add(-1)
}

func (t *Table) Definition() *rowmap.TableDef {
	t.latch.RLock()
	defer t.latch.RUnlock()

	return t.def
}

func (t *Table) Blobs() common.BlobReader {
	return t.blobs
}

func (t *Table) BlobPages() int {
	return t.blobs.Pages()
}

// SharedLatch returns the latch in shared mode. Holding it excludes
// writers.
func (t *Table) SharedLatch() sync.Locker {
	return t.latch.RLocker()
}

func (t *Table) Index(name string) *tree.Index {
	t.latch.RLock()
	defer t.latch.RUnlock()

	for _, s := range t.secondaries {
		if s.name == name {
			return s.idx
		}
	}
	return nil
}

// Quiesce waits for the transactions that changed the table to end and
// runs fn with the table locked and the latch held exclusively. New writers
// queue behind it.
func (t *Table) Quiesce(ctx context.Context, fn func() error) error {
	txn := t.txns.Begin()
	defer func() { assert.NoError(txn.Commit()) }()
	txn.Hold(t, func() { t.locks.Unlock(txn.ID()) })

	if err := t.locks.LockTable(ctx, txn.ID(), txns.GranularLockExclusive); err != nil {
		return err
	}

	t.lockExclusive()
	defer t.latch.Unlock()

	return fn()
}

// ReadView, AttachLog, DetachLog, PublishIndex and PublishRebuild must be
// called from within Quiesce.

func (t *Table) ReadView() *txns.ReadView {
	return t.txns.ReadView(common.NilTxnID)
}

func (t *Table) AttachLog(l common.RowLogger) {
	t.online = append(t.online, l)
}

func (t *Table) DetachLog(l common.RowLogger) {
	t.online = slices.DeleteFunc(t.online, func(o common.RowLogger) bool {
		return o == l
	})
}

func (t *Table) rowLogger() common.RowLogger {
	switch len(t.online) {
	case 0:
		return common.NoLogs()
	case 1:
		return t.online[0]
	default:
		return common.MultiRowLogger(t.online)
	}
}

// PublishIndex makes a built index part of the table.
func (t *Table) PublishIndex(def *rowmap.IndexDef, idx *tree.Index) error {
	newDef, err := t.def.WithIndexes(def)
	if err != nil {
		return err
	}
	if idx.Name() != def.Name {
		return fmt.Errorf("%w: index %q built as %q", rowmap.ErrInvalidDefinition, def.Name, idx.Name())
	}

	t.def = newDef
	t.secondaries = append(t.secondaries, secondary{name: def.Name, idx: idx})

	t.log.Infow("index published", "table", t.def.Name, "index", def.Name, "entries", idx.Len())
	return nil
}

// PublishRebuild replaces the definition and the contents of the table.
func (t *Table) PublishRebuild(
	def *rowmap.TableDef,
	clustered *tree.Index,
	secondaries []*tree.Index,
) error {
	if len(secondaries) != len(def.Indexes) {
		return fmt.Errorf(
			"%w: %d secondary indexes built, %d defined",
			rowmap.ErrInvalidDefinition, len(secondaries), len(def.Indexes),
		)
	}

	newSecondaries := make([]secondary, 0, len(secondaries))
	for i, idx := range secondaries {
		if idx.Name() != def.Indexes[i].Name {
			return fmt.Errorf(
				"%w: index %q built as %q",
				rowmap.ErrInvalidDefinition, def.Indexes[i].Name, idx.Name(),
			)
		}
		newSecondaries = append(newSecondaries, secondary{name: idx.Name(), idx: idx})
	}

	var freed int
	t.rows.Ascend(func(r *row) bool {
		for v := r.head; v != nil; v = v.prev {
			for _, p := range v.pages {
				if err := t.blobs.Free(p); err == nil {
					freed++
				}
			}
		}
		return true
	})

	rows := newRows(def)
	var stored int
	clustered.Ascend(func(rec rowfmt.Tuple) bool {
		v := &version{rec: rec}
		if ext := offPage(def, t.externThreshold, rec); len(ext) > 0 {
			v.rec = rec.Clone()
			for _, pos := range ext {
				ref := t.blobs.Alloc(v.rec[pos].Data)
				v.rec[pos] = ref.Field()
				v.pages = append(v.pages, common.PageID(ref.Page))
			}
			stored += len(ext)
		}

		rows.ReplaceOrInsert(&row{key: def.Key(v.rec), head: v})
		return true
	})

	t.def = def
	t.rows = rows
	t.secondaries = newSecondaries

	t.log.Infow(
		"table rebuild published",
		"table", def.Name,
		"rows", rows.Len(),
		"freed_blob_pages", freed,
		"stored_blob_pages", stored,
	)
	return nil
}

func (t *Table) visible(r *row, rv *txns.ReadView) *version {
	for v := r.head; v != nil; v = v.prev {
		if rv.Visible(v.trxID) {
			return v
		}
	}
	return nil
}

// Rows returns the committed rows in column order with off-page values
// read back.
func (t *Table) Rows() ([]rowfmt.Tuple, error) {
	return t.Snapshot(t.txns.ReadView(common.NilTxnID))
}

func (t *Table) Snapshot(rv *txns.ReadView) ([]rowfmt.Tuple, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()

	var (
		res []rowfmt.Tuple
		err error
	)
	t.rows.Ascend(func(r *row) bool {
		v := t.visible(r, rv)
		if v == nil || v.deleted {
			return true
		}

		var rec rowfmt.Tuple
		if rec, err = blob.Resolve(t.blobs, v.rec); err != nil {
			return false
		}
		res = append(res, t.def.RowFromRecord(rec))
		return true
	})
	return res, err
}

// Get returns the committed row with the given primary key.
func (t *Table) Get(key rowfmt.Tuple) (rowfmt.Tuple, bool, error) {
	rv := t.txns.ReadView(common.NilTxnID)

	t.latch.RLock()
	defer t.latch.RUnlock()

	r, ok := t.rows.Get(&row{key: key})
	if !ok {
		return nil, false, nil
	}
	v := t.visible(r, rv)
	if v == nil || v.deleted {
		return nil, false, nil
	}

	rec, err := blob.Resolve(t.blobs, v.rec)
	if err != nil {
		return nil, false, err
	}
	return t.def.RowFromRecord(rec), true, nil
}
