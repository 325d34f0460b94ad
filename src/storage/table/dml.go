package table

import (
	"context"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/tree"
	"github.com/Blackdeer1524/onlineddl/src/txns"
)

// enter takes the table lock in intention mode on the first change of the
// transaction. It waits for a running schema change to publish, so the
// definition returned stays fixed until the transaction ends.
func (t *Table) enter(txn *txns.Txn) *rowmap.TableDef {
	if !txn.Holds(t) {
		// a transaction holding no row here is always allowed to wait
		err := t.locks.LockTable(context.Background(), txn.ID(), txns.GranularLockIntentionExclusive)
		assert.NoError(err)
		txn.Hold(t, func() { t.locks.Unlock(txn.ID()) })
	}
	return t.Definition()
}

// lockRow locks the row with the given key until the transaction ends. A
// younger transaction gets ErrRowLocked instead of waiting for an older one.
func (t *Table) lockRow(txn *txns.Txn, def *rowmap.TableDef, key rowfmt.Tuple) error {
	id, err := rowfmt.EncodeSort(nil, def.KeyShape(), key)
	if err != nil {
		return err
	}

	err = t.locks.LockRow(context.Background(), txn.ID(), string(id), txns.SimpleLockExclusive)
	if errors.Is(err, txns.ErrDeadlockPrevented) {
		return fmt.Errorf("%w: %v", ErrRowLocked, def.KeyShape().Format(key))
	}
	return err
}

// latched wraps fn so that it runs under the latch.
func (t *Table) latched(fn func()) func() {
	return func() {
		t.lockExclusive()
		defer t.latch.Unlock()

		fn()
	}
}

func (t *Table) owner(r *row, txn *txns.Txn) error {
	if id := r.head.trxID; id != txn.ID() && t.txns.IsActive(id) {
		return fmt.Errorf("%w: %v", ErrRowLocked, t.def.KeyShape().Format(r.key))
	}
	return nil
}

// Insert adds a row given in column order.
func (t *Table) Insert(txn *txns.Txn, values rowfmt.Tuple) error {
	def := t.enter(txn)

	rec, err := def.RecordFromRow(values)
	if err != nil {
		return err
	}
	if err := t.lockRow(txn, def, def.Key(rec)); err != nil {
		return err
	}

	t.lockExclusive()
	defer t.latch.Unlock()

	undo, err := t.insertLocked(txn, rec)
	if err != nil {
		return err
	}

	txn.OnRollback(t.latched(undo))
	return nil
}

// Update replaces the row with the given primary key. A change of the
// primary key is carried out as a delete followed by an insert.
func (t *Table) Update(txn *txns.Txn, key rowfmt.Tuple, values rowfmt.Tuple) error {
	def := t.enter(txn)

	rec, err := def.RecordFromRow(values)
	if err != nil {
		return err
	}
	if err := t.lockRow(txn, def, key); err != nil {
		return err
	}
	samePK := def.KeyShape().Compare(key, def.Key(rec)) == 0
	if !samePK {
		if err := t.lockRow(txn, def, def.Key(rec)); err != nil {
			return err
		}
	}

	t.lockExclusive()
	defer t.latch.Unlock()

	r, err := t.current(txn, key)
	if err != nil {
		return err
	}

	if samePK {
		undo, err := t.updateLocked(txn, r, rec)
		if err != nil {
			return err
		}
		txn.OnRollback(t.latched(undo))
		return nil
	}

	if err := t.checkFree(txn, t.def.Key(rec)); err != nil {
		return err
	}

	undoDelete := t.deleteLocked(txn, r)
	undoInsert, err := t.insertLocked(txn, rec)
	if err != nil {
		undoDelete()
		return err
	}

	txn.OnRollback(t.latched(undoDelete))
	txn.OnRollback(t.latched(undoInsert))
	return nil
}

func (t *Table) Delete(txn *txns.Txn, key rowfmt.Tuple) error {
	def := t.enter(txn)
	if err := t.lockRow(txn, def, key); err != nil {
		return err
	}

	t.lockExclusive()
	defer t.latch.Unlock()

	r, err := t.current(txn, key)
	if err != nil {
		return err
	}

	txn.OnRollback(t.latched(t.deleteLocked(txn, r)))
	return nil
}

func (t *Table) current(txn *txns.Txn, key rowfmt.Tuple) (*row, error) {
	r, ok := t.rows.Get(&row{key: key})
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, t.def.KeyShape().Format(key))
	}
	if err := t.owner(r, txn); err != nil {
		return nil, err
	}
	if r.head.deleted {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, t.def.KeyShape().Format(key))
	}
	return r, nil
}

func (t *Table) checkFree(txn *txns.Txn, key rowfmt.Tuple) error {
	r, ok := t.rows.Get(&row{key: key})
	if !ok {
		return nil
	}
	if err := t.owner(r, txn); err != nil {
		return err
	}
	if !r.head.deleted {
		return &dberr.DuplicateKeyError{
			Index:  rowmap.PrimaryKeyName,
			Values: t.def.KeyShape().Format(key),
		}
	}
	return nil
}

// externalize returns the record positions whose values go off-page.
func (t *Table) externalize(rec rowfmt.Tuple) []int {
	return offPage(t.def, t.externThreshold, rec)
}

func offPage(def *rowmap.TableDef, threshold int, rec rowfmt.Tuple) []int {
	var res []int
	for pos, f := range rec {
		c := def.RecordColumn(pos)
		if c.Type != rowfmt.ColumnTypeBytes || def.InPrimaryKey(pos) {
			continue
		}
		if !f.Null && !f.Ext && len(f.Data) > threshold {
			res = append(res, pos)
		}
	}
	return res
}

// checkRecord validates rec as it will be stored.
func (t *Table) checkRecord(rec rowfmt.Tuple, ext []int) error {
	stored := rec
	if len(ext) > 0 {
		stored = make(rowfmt.Tuple, len(rec))
		copy(stored, rec)
		for _, pos := range ext {
			stored[pos] = rowfmt.BlobRef{}.Field()
		}
	}

	_, err := rowfmt.EncodedSize(t.def.RecordShape(), stored)
	return err
}

// store moves long values off-page. The caller owns rec.
func (t *Table) store(rec rowfmt.Tuple, ext []int) []common.PageID {
	pages := make([]common.PageID, 0, len(ext))
	for _, pos := range ext {
		ref := t.blobs.Alloc(rec[pos].Data)
		page := common.PageID(ref.Page)
		t.rowLogger().BlobAlloc(page)

		rec[pos] = ref.Field()
		pages = append(pages, page)
	}
	return pages
}

func (t *Table) release(pages []common.PageID) {
	for _, p := range pages {
		err := t.blobs.Free(p)
		assert.NoError(err)
		t.rowLogger().BlobFree(p)
	}
}

func (t *Table) entries(rec rowfmt.Tuple) ([]rowfmt.Tuple, error) {
	res := make([]rowfmt.Tuple, len(t.secondaries))
	for i, s := range t.secondaries {
		e, err := t.def.Entry(s.name, rec, t.blobs)
		if err != nil {
			return nil, err
		}
		res[i] = e
	}
	return res, nil
}

// addEntries inserts the entries that are not present yet. On failure
// nothing is left behind.
func (t *Table) addEntries(entries []rowfmt.Tuple) ([]rowfmt.Tuple, error) {
	added := make([]rowfmt.Tuple, len(entries))
	for i, e := range entries {
		err := t.secondaries[i].idx.Insert(e)
		if err == nil {
			added[i] = e
			continue
		}
		if errors.Is(err, tree.ErrKeyExists) {
			continue
		}

		for j := range i {
			if added[j] != nil {
				t.secondaries[j].idx.Delete(added[j])
			}
		}
		return nil, err
	}
	return added, nil
}

func (t *Table) insertLocked(txn *txns.Txn, rec rowfmt.Tuple) (func(), error) {
	rec = rec.Clone()
	ext := t.externalize(rec)
	if err := t.checkRecord(rec, ext); err != nil {
		return nil, err
	}

	key := t.def.Key(rec)
	if err := t.checkFree(txn, key); err != nil {
		return nil, err
	}

	entries, err := t.entries(rec)
	if err != nil {
		return nil, err
	}
	added, err := t.addEntries(entries)
	if err != nil {
		return nil, err
	}

	v := &version{rec: rec, trxID: txn.ID()}
	v.pages = t.store(rec, ext)

	r, ok := t.rows.Get(&row{key: key})
	if ok {
		v.prev = r.head
		r.head = v
	} else {
		r = &row{key: t.def.Key(rec), head: v}
		t.rows.ReplaceOrInsert(r)
	}
	t.rowLogger().LogInsert(rec, txn.ID())

	return func() {
		assert.Assert(r.head == v, "undoing an insert that is not the latest version")

		t.rowLogger().LogDelete(rec, txn.ID())
		if v.prev == nil {
			t.rows.Delete(r)
		} else {
			r.head = v.prev
		}
		t.reconcile(r.key, added)
		t.release(v.pages)
	}, nil
}

func (t *Table) updateLocked(txn *txns.Txn, r *row, rec rowfmt.Tuple) (func(), error) {
	rec = rec.Clone()
	ext := t.externalize(rec)
	if err := t.checkRecord(rec, ext); err != nil {
		return nil, err
	}

	old := r.head
	oldEntries, err := t.entries(old.rec)
	if err != nil {
		return nil, err
	}
	entries, err := t.entries(rec)
	if err != nil {
		return nil, err
	}
	added, err := t.addEntries(entries)
	if err != nil {
		return nil, err
	}

	v := &version{rec: rec, trxID: txn.ID(), prev: old}
	v.pages = t.store(rec, ext)
	r.head = v

	t.rowLogger().LogUpdate(old.rec, rec, txn.ID())
	txn.OnCommit(t.latched(func() { t.reconcile(r.key, oldEntries) }))

	return func() {
		assert.Assert(r.head == v, "undoing an update that is not the latest version")

		t.rowLogger().LogUpdate(rec, old.rec, txn.ID())
		r.head = old
		t.reconcile(r.key, added)
		t.release(v.pages)
	}, nil
}

func (t *Table) deleteLocked(txn *txns.Txn, r *row) func() {
	old := r.head
	v := &version{rec: old.rec, trxID: txn.ID(), deleted: true, prev: old}
	r.head = v

	t.rowLogger().LogDelete(old.rec, txn.ID())
	entries, err := t.entries(old.rec)
	assert.NoError(err)
	txn.OnCommit(t.latched(func() { t.reconcile(r.key, entries) }))

	return func() {
		assert.Assert(r.head == v, "undoing a delete that is not the latest version")

		t.rowLogger().LogInsert(old.rec, txn.ID())
		r.head = old
	}
}
