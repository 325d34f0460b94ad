package txns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
)

func TestReadViewVisibility(t *testing.T) {
	m := NewTxnManager()

	committed := m.Begin()
	require.NoError(t, committed.Commit())

	running := m.Begin()
	rv := m.ReadView(common.NilTxnID)
	later := m.Begin()

	assert.True(t, rv.Visible(common.NilTxnID))
	assert.True(t, rv.Visible(committed.ID()))
	assert.False(t, rv.Visible(running.ID()))
	assert.False(t, rv.Visible(later.ID()))

	require.NoError(t, running.Commit())
	assert.False(t, rv.Visible(running.ID()), "a view is a snapshot")

	own := m.ReadView(later.ID())
	assert.True(t, own.Visible(later.ID()))
	assert.True(t, own.Visible(running.ID()))

	require.NoError(t, later.Rollback())
	assert.Zero(t, m.Active())
}

func TestTxnRollbackOrder(t *testing.T) {
	m := NewTxnManager()
	txn := m.Begin()

	var order []string
	txn.OnRollback(func() { order = append(order, "first") })
	txn.OnRollback(func() { order = append(order, "second") })

	txn.Hold("mdl", func() { order = append(order, "release") })
	assert.True(t, txn.Holds("mdl"))
	assert.False(t, txn.Holds("other"))

	require.NoError(t, txn.Rollback())
	assert.Equal(t, []string{"second", "first", "release"}, order)

	assert.ErrorIs(t, txn.Commit(), ErrTxnFinished)
}

func TestTxnCommitSkipsUndo(t *testing.T) {
	m := NewTxnManager()
	txn := m.Begin()

	undone, released, committed := false, false, false
	txn.OnRollback(func() { undone = true })
	txn.OnCommit(func() {
		committed = true
		assert.False(t, m.IsActive(txn.ID()))
		assert.False(t, released)
	})
	txn.Hold(1, func() { released = true })

	assert.True(t, m.IsActive(txn.ID()))
	require.NoError(t, txn.Commit())
	assert.False(t, undone)
	assert.True(t, committed)
	assert.True(t, released)
	assert.Equal(t, 0, m.Active())
}
