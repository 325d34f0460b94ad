package app

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/pkg/utils"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/table"
	"github.com/Blackdeer1524/onlineddl/src/txns"
)

const seedBatch = 1000

// UsersDef is the table the commands build on.
func UsersDef() *rowmap.TableDef {
	return utils.Must(rowmap.NewTableDef("users", []rowmap.ColumnDef{
		{Name: "id", Type: rowfmt.ColumnTypeInt64},
		{Name: "email", Type: rowfmt.ColumnTypeBytes, Nullable: true},
		{Name: "bio", Type: rowfmt.ColumnTypeBytes, Nullable: true},
		{Name: "score", Type: rowfmt.ColumnTypeInt64, Nullable: true},
	}, []string{"id"}))
}

func userRow(r *rand.Rand, id int64, seq uint64) rowfmt.Tuple {
	bio := rowfmt.Null()
	switch r.Intn(4) {
	case 0:
	case 1:
		bio = rowfmt.String(strings.Repeat("long bio ", 20+r.Intn(40)))
	default:
		bio = rowfmt.String(fmt.Sprintf("bio %d", r.Intn(1000)))
	}

	return rowfmt.Tuple{
		rowfmt.Int64(id),
		rowfmt.String(fmt.Sprintf("user-%d-%d@example.com", id, seq)),
		bio,
		rowfmt.Int64(r.Int63n(100)),
	}
}

// Seed fills tbl with rows 0..rows-1.
func Seed(tbl *table.Table, m *txns.TxnManager, rows int) error {
	r := rand.New(rand.NewSource(1))

	for start := 0; start < rows; start += seedBatch {
		txn := m.Begin()
		for id := start; id < min(start+seedBatch, rows); id++ {
			if err := tbl.Insert(txn, userRow(r, int64(id), 0)); err != nil {
				return errors.Join(err, txn.Rollback())
			}
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	return nil
}

type WorkloadStats struct {
	Commits   uint64
	Rollbacks uint64
	Conflicts uint64
}

// Workload changes random rows of a table from several goroutines until
// it is stopped. Every tenth transaction is rolled back on purpose.
type Workload struct {
	Table    *table.Table
	Txns     *txns.TxnManager
	Workers  int
	KeySpace int64
	Logger   src.Logger

	pool *ants.Pool
	wg   sync.WaitGroup
	stop atomic.Bool
	seq  atomic.Uint64

	commits   atomic.Uint64
	rollbacks atomic.Uint64
	conflicts atomic.Uint64
}

func (w *Workload) Start() error {
	if w.Logger == nil {
		w.Logger = zap.NewNop().Sugar()
	}

	pool, err := ants.NewPool(w.Workers)
	if err != nil {
		return err
	}
	w.pool = pool

	for i := range w.Workers {
		w.wg.Add(1)
		if err := pool.Submit(w.worker(int64(i))); err != nil {
			w.wg.Done()
			w.Stop()
			return err
		}
	}
	return nil
}

func (w *Workload) Stop() WorkloadStats {
	w.stop.Store(true)
	w.wg.Wait()
	if w.pool != nil {
		w.pool.Release()
	}
	return w.Stats()
}

func (w *Workload) Stats() WorkloadStats {
	return WorkloadStats{
		Commits:   w.commits.Load(),
		Rollbacks: w.rollbacks.Load(),
		Conflicts: w.conflicts.Load(),
	}
}

func (w *Workload) worker(seed int64) func() {
	return func() {
		defer w.wg.Done()

		r := rand.New(rand.NewSource(seed))
		for !w.stop.Load() {
			w.step(r)
		}
	}
}

func (w *Workload) step(r *rand.Rand) {
	id := r.Int63n(w.KeySpace)
	key := rowfmt.Tuple{rowfmt.Int64(id)}

	txn := w.Txns.Begin()
	var err error
	switch r.Intn(3) {
	case 0:
		err = w.Table.Insert(txn, userRow(r, id, w.seq.Add(1)))
	case 1:
		err = w.Table.Update(txn, key, userRow(r, id, w.seq.Add(1)))
	default:
		err = w.Table.Delete(txn, key)
	}

	switch {
	case err == nil && r.Intn(10) != 0:
		if err := txn.Commit(); err != nil {
			w.Logger.Warnw("commit failed", "key", id, zap.Error(err))
			return
		}
		w.commits.Add(1)
		return
	case err == nil:
		w.rollbacks.Add(1)
	case errors.Is(err, table.ErrRowLocked),
		errors.Is(err, table.ErrNotFound),
		errors.Is(err, dberr.ErrDuplicateKey):
		w.conflicts.Add(1)
	default:
		w.Logger.Warnw("change failed", "key", id, zap.Error(err))
	}

	if err := txn.Rollback(); err != nil {
		w.Logger.Warnw("rollback failed", "key", id, zap.Error(err))
	}
}
