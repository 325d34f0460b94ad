package txns

import (
	"errors"
	"sync"

	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
)

var ErrTxnFinished = errors.New("transaction already finished")

type TxnManager struct {
	mu     sync.Mutex
	nextID common.TxnID
	active map[common.TxnID]*Txn
}

func NewTxnManager() *TxnManager {
	return &TxnManager{
		nextID: common.NilTxnID + 1,
		active: make(map[common.TxnID]*Txn),
	}
}

func (m *TxnManager) Begin() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &Txn{
		id:  m.nextID,
		m:   m,
		res: make(map[any]func()),
	}
	m.nextID++
	m.active[txn.id] = txn
	return txn
}

// ReadView takes a snapshot of the transactions that have not committed
// yet. creator sees its own changes; NilTxnID creates a view that belongs
// to no transaction.
func (m *TxnManager) ReadView(creator common.TxnID) *ReadView {
	m.mu.Lock()
	defer m.mu.Unlock()

	rv := &ReadView{
		creator:  creator,
		lowLimit: m.nextID,
		active:   make(map[common.TxnID]struct{}, len(m.active)),
	}
	for id := range m.active {
		if id != creator {
			rv.active[id] = struct{}{}
		}
	}
	return rv
}

func (m *TxnManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

func (m *TxnManager) IsActive(id common.TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[id]
	return ok
}

func (m *TxnManager) finish(id common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[id]
	assert.Assert(ok, "transaction %d is not active", id)
	delete(m.active, id)
}

// Txn collects the undo actions of one transaction and the resources it
// holds until it ends.
type Txn struct {
	id common.TxnID
	m  *TxnManager

	mu       sync.Mutex
	undo     []func()
	onCommit []func()
	res      map[any]func()
	resOrder []any
	done     bool
}

func (t *Txn) ID() common.TxnID {
	return t.id
}

// OnRollback registers fn to be run if the transaction rolls back. Undo
// actions run in reverse registration order.
func (t *Txn) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	assert.Assert(!t.done, "transaction %d is finished", t.id)
	t.undo = append(t.undo, fn)
}

// OnCommit registers fn to be run once the transaction has committed,
// before its resources are released.
func (t *Txn) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	assert.Assert(!t.done, "transaction %d is finished", t.id)
	t.onCommit = append(t.onCommit, fn)
}

func (t *Txn) Holds(key any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.res[key]
	return ok
}

// Hold remembers a resource released when the transaction ends.
func (t *Txn) Hold(key any, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	assert.Assert(!t.done, "transaction %d is finished", t.id)
	_, ok := t.res[key]
	assert.Assert(!ok, "resource %v is already held by %d", key, t.id)

	t.res[key] = release
	t.resOrder = append(t.resOrder, key)
}

func (t *Txn) Commit() error {
	return t.end(false)
}

func (t *Txn) Rollback() error {
	return t.end(true)
}

func (t *Txn) end(rollback bool) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxnFinished
	}
	t.done = true
	undo, onCommit, res, order := t.undo, t.onCommit, t.res, t.resOrder
	t.undo, t.onCommit, t.res, t.resOrder = nil, nil, nil, nil
	t.mu.Unlock()

	if rollback {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	t.m.finish(t.id)
	if !rollback {
		for _, fn := range onCommit {
			fn()
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		res[order[i]]()
	}
	return nil
}
