package txns

import "github.com/Blackdeer1524/onlineddl/src/pkg/common"

type ReadView struct {
	creator common.TxnID

	// Transactions with ids from lowLimit on started after the view.
	lowLimit common.TxnID
	active   map[common.TxnID]struct{}
}

// Visible reports whether changes made by id are seen through the view.
func (rv *ReadView) Visible(id common.TxnID) bool {
	if id == rv.creator {
		return true
	}
	if id >= rv.lowLimit {
		return false
	}

	_, uncommitted := rv.active[id]
	return !uncommitted
}
