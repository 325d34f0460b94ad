package rowlog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/table"
	"github.com/Blackdeer1524/onlineddl/src/storage/tree"
	"github.com/Blackdeer1524/onlineddl/src/txns"
)

type rebuildFixture struct {
	tbl *table.Table
	m   *txns.TxnManager
	log *RebuildLog
}

func newRebuildFixture(t *testing.T, from, to *rowmap.TableDef) *rebuildFixture {
	t.Helper()

	mapper, err := rowmap.NewRebuildMapper(from, to)
	require.NoError(t, err)

	m := txns.NewTxnManager()
	tbl := table.New(from, m, table.Options{ExternThreshold: 16})

	l, err := NewRebuildLog(mapper, tbl.Blobs(), testConfig(128))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, l.Close()) })

	require.NoError(t, tbl.Quiesce(context.Background(), func() error {
		tbl.AttachLog(l)
		return nil
	}))
	return &rebuildFixture{tbl: tbl, m: m, log: l}
}

func (f *rebuildFixture) commit(t *testing.T, fn func(txn *txns.Txn) error) {
	t.Helper()

	txn := f.m.Begin()
	require.NoError(t, fn(txn))
	require.NoError(t, txn.Commit())
}

func (f *rebuildFixture) rollback(t *testing.T, fn func(txn *txns.Txn) error) {
	t.Helper()

	txn := f.m.Begin()
	require.NoError(t, fn(txn))
	require.NoError(t, txn.Rollback())
}

// replay applies the whole log to empty structures of the target table.
func (f *rebuildFixture) replay(t *testing.T) (*tree.Index, []*tree.Index, error) {
	t.Helper()

	to := f.log.Mapper().To()
	clustered := tree.New(rowmap.PrimaryKeyName, to.RecordShape())
	secondaries := make([]*tree.Index, 0, len(to.Indexes))
	for _, idx := range to.Indexes {
		secondaries = append(secondaries, tree.New(idx.Name, to.EntryShape(idx.Name)))
	}

	a := f.log.NewApplier(clustered, secondaries, f.tbl.SharedLatch())
	return clustered, secondaries, a.Drain(context.Background(), false)
}

func key(id int64) rowfmt.Tuple {
	return rowfmt.Tuple{rowfmt.Int64(id)}
}

func TestRebuildSkipsMissingHistory(t *testing.T) {
	from := usersDef(t)
	one := rowfmt.Int64(1)
	to, err := rowmap.NewTableDef("users", []rowmap.ColumnDef{
		{Name: "id", Type: rowfmt.ColumnTypeInt64},
		{Name: "email", Type: rowfmt.ColumnTypeBytes, Nullable: true},
		{Name: "bio", Type: rowfmt.ColumnTypeBytes, Nullable: true},
		{Name: "active", Type: rowfmt.ColumnTypeInt64, Default: &one},
	}, []string{"id"},
		&rowmap.IndexDef{Name: "by_email", Fields: []rowmap.IndexField{{Column: "email"}}},
	)
	require.NoError(t, err)

	f := newRebuildFixture(t, from, to)
	long := strings.Repeat("b", 100)

	// the page of the rolled back insert is freed after the insert was
	// logged and is taken again by the next one
	f.rollback(t, func(txn *txns.Txn) error { return f.tbl.Insert(txn, user(1, "a@x", long)) })
	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Insert(txn, user(2, "b@x", long+"2")) })

	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Insert(txn, user(3, "c@x", "short")) })
	f.rollback(t, func(txn *txns.Txn) error { return f.tbl.Update(txn, key(3), user(3, "d@x", long+"3")) })

	require.NoError(t, f.log.Err())
	assert.Equal(t, 2, f.log.BlobTracking().Len())

	clustered, secondaries, err := f.replay(t)
	require.NoError(t, err)

	rows := clustered.Entries()
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0][0].Int64())
	assert.Equal(t, long+"2", string(rows[0][2].Data))
	assert.Equal(t, int64(1), rows[0][3].Int64())
	assert.Equal(t, int64(3), rows[1][0].Int64())
	assert.Equal(t, "short", string(rows[1][2].Data))

	emails := secondaries[0].Entries()
	require.Len(t, emails, 2)
	assert.Equal(t, "b@x", string(emails[0][0].Data))
	assert.Equal(t, "c@x", string(emails[1][0].Data))
}

func TestRebuildPrimaryKeyChange(t *testing.T) {
	cols := []rowmap.ColumnDef{
		{Name: "id", Type: rowfmt.ColumnTypeInt64},
		{Name: "email", Type: rowfmt.ColumnTypeBytes},
		{Name: "bio", Type: rowfmt.ColumnTypeBytes, Nullable: true},
	}
	from, err := rowmap.NewTableDef("users", cols, []string{"id"})
	require.NoError(t, err)
	to, err := rowmap.NewTableDef("users", cols, []string{"email"})
	require.NoError(t, err)

	f := newRebuildFixture(t, from, to)

	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Insert(txn, user(1, "a@x", "one")) })
	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Update(txn, key(1), user(1, "a@x", "two")) })
	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Update(txn, key(1), user(1, "c@x", "two")) })
	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Delete(txn, key(1)) })
	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Insert(txn, user(1, "a@x", "three")) })
	f.commit(t, func(txn *txns.Txn) error { return f.tbl.Insert(txn, user(2, "b@x", "x")) })

	var b strings.Builder
	require.NoError(t, f.log.Dump(&b))
	assert.Contains(t, b.String(), "UPDATE trx=2 key=[a@x]")
	assert.Contains(t, b.String(), "DELETE trx=4 key=[c@x]")

	clustered, _, err := f.replay(t)
	require.NoError(t, err)

	rows := clustered.Entries()
	require.Len(t, rows, 2)
	assert.True(t, rowfmt.Tuple{rowfmt.String("a@x"), rowfmt.Int64(1), rowfmt.String("three")}.Equal(rows[0]))
	assert.True(t, rowfmt.Tuple{rowfmt.String("b@x"), rowfmt.Int64(2), rowfmt.String("x")}.Equal(rows[1]))
}

func TestRebuildDuplicateNewKey(t *testing.T) {
	cols := []rowmap.ColumnDef{
		{Name: "id", Type: rowfmt.ColumnTypeInt64},
		{Name: "email", Type: rowfmt.ColumnTypeBytes},
	}
	from, err := rowmap.NewTableDef("users", cols, []string{"id"})
	require.NoError(t, err)
	to, err := rowmap.NewTableDef("users", cols, []string{"email"})
	require.NoError(t, err)

	f := newRebuildFixture(t, from, to)
	f.commit(t, func(txn *txns.Txn) error {
		return f.tbl.Insert(txn, rowfmt.Tuple{rowfmt.Int64(1), rowfmt.String("same")})
	})
	f.commit(t, func(txn *txns.Txn) error {
		return f.tbl.Insert(txn, rowfmt.Tuple{rowfmt.Int64(2), rowfmt.String("same")})
	})

	_, _, err = f.replay(t)
	var dup *dberr.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, rowmap.PrimaryKeyName, dup.Index)
	assert.Equal(t, []string{"same"}, dup.Values)
}

func TestRebuildLogChecks(t *testing.T) {
	from := usersDef(t)
	to, err := rowmap.NewTableDef("users", from.Columns, from.PrimaryKey)
	require.NoError(t, err)

	t.Run("DeleteOfUnknownRow", func(t *testing.T) {
		f := newRebuildFixture(t, from, to)
		f.log.Delete(user(9, "nobody", ""), 1)

		_, _, err := f.replay(t)
		assert.ErrorIs(t, err, dberr.ErrCorruption)
	})

	t.Run("UpdateChangingKey", func(t *testing.T) {
		f := newRebuildFixture(t, from, to)
		f.log.Update(user(1, "a@x", ""), user(2, "a@x", ""), 1)

		assert.ErrorIs(t, f.log.Err(), dberr.ErrCorruption)
		assert.Zero(t, f.log.Records())
	})
}
