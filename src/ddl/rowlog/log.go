package rowlog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
	"github.com/Blackdeer1524/onlineddl/src/pkg/common"
	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
	"github.com/Blackdeer1524/onlineddl/src/storage/disk"
)

const (
	DefaultBlockSize  = 64 << 10
	DefaultMaxLogSize = 128 << 20
)

type Config struct {
	Fs         afero.Fs
	Dir        string
	BlockSize  int
	MaxLogSize int64

	// CacheSize bounds the memory used to keep recently written blocks.
	// 0 disables the cache.
	CacheSize int64

	Logger src.Logger
}

func (c *Config) setDefaults() {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MaxLogSize <= 0 {
		c.MaxLogSize = DefaultMaxLogSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
}

// buffer is a position in the log together with the block it points into.
type buffer struct {
	block      []byte
	blockIndex uint64
	offset     int
}

func (b *buffer) total(blockSize int) common.LogOffset {
	return common.LogOffset(b.blockIndex*uint64(blockSize) + uint64(b.offset)) //nolint:gosec
}

type stickyError struct {
	err error
}

// Log is an append-only stream of changes made to a table while a build is
// running. Records never straddle more than two blocks and blocks are
// packed without gaps, so the byte offset of a record is also its position
// in the stream.
//
// Writers append to the tail under mu. Full blocks are handed to the
// pending queue and written to a temporary file once mu is released. The
// head belongs to the Applier.
type Log struct {
	cfg  Config
	name string

	mu      sync.Mutex
	tail    buffer
	pending map[uint64][]byte
	maxTrx  common.TxnID
	records uint64

	fileMu sync.Mutex
	file   *disk.BlockFile
	cache  *disk.BlockCache

	sticky atomic.Pointer[stickyError]
}

func newLog(name string, cfg Config) (*Log, error) {
	cfg.setDefaults()

	cache, err := disk.NewBlockCache(cfg.CacheSize, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	return &Log{
		cfg:     cfg,
		name:    name,
		tail:    buffer{block: make([]byte, cfg.BlockSize)},
		pending: make(map[uint64][]byte),
		cache:   cache,
	}, nil
}

func (l *Log) Name() string {
	return l.name
}

// Err returns the first error the log ran into, if any.
func (l *Log) Err() error {
	if s := l.sticky.Load(); s != nil {
		return s.err
	}
	return nil
}

// SetError records err unless an error is already recorded. Every later
// append is dropped.
func (l *Log) SetError(err error) {
	assert.Assert(err != nil, "setting a nil log error")

	if l.sticky.CompareAndSwap(nil, &stickyError{err: err}) {
		l.cfg.Logger.Warnw("online log failed", "log", l.name, zap.Error(err))
	}
}

// Tail returns the number of bytes appended so far.
func (l *Log) Tail() common.LogOffset {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.tail.total(l.cfg.BlockSize)
}

// MaxTrxID returns the largest transaction id seen in the log.
func (l *Log) MaxTrxID() common.TxnID {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.maxTrx
}

func (l *Log) Records() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.records
}

// append adds one encoded record. Errors are kept as the sticky error since
// the table can not be told that a change was lost.
func (l *Log) append(rec []byte, trxID common.TxnID) {
	if l.Err() != nil {
		return
	}
	if len(rec) > l.cfg.BlockSize {
		l.SetError(fmt.Errorf(
			"%w: log record of %d bytes, block size is %d",
			dberr.ErrTooBigRecord, len(rec), l.cfg.BlockSize,
		))
		return
	}

	sealed, err := l.appendLocked(rec, trxID)
	if err != nil {
		l.SetError(err)
		return
	}

	for _, id := range sealed {
		if err := l.flush(id); err != nil {
			l.SetError(err)
			return
		}
	}
}

func (l *Log) appendLocked(rec []byte, trxID common.TxnID) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bs := l.cfg.BlockSize
	if int64(l.tail.total(bs))+int64(len(rec)) > l.cfg.MaxLogSize { //nolint:gosec
		return nil, fmt.Errorf(
			"%w: online log %q reached %d bytes",
			dberr.ErrOutOfSpace, l.name, l.cfg.MaxLogSize,
		)
	}

	var sealed []uint64
	for len(rec) > 0 {
		n := copy(l.tail.block[l.tail.offset:], rec)
		rec = rec[n:]
		l.tail.offset += n

		if l.tail.offset == bs {
			l.pending[l.tail.blockIndex] = l.tail.block
			sealed = append(sealed, l.tail.blockIndex)

			l.tail.block = make([]byte, bs)
			l.tail.blockIndex++
			l.tail.offset = 0
		}
	}

	l.maxTrx = max(l.maxTrx, trxID)
	l.records++
	return sealed, nil
}

func (l *Log) openFile() (*disk.BlockFile, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.file != nil {
		return l.file, nil
	}

	f, err := disk.CreateTemp(l.cfg.Fs, l.cfg.Dir, "rowlog-"+l.name, l.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	l.file = f

	l.cfg.Logger.Debugw("online log spilled to disk", "log", l.name, "path", f.Path())
	return f, nil
}

// flush writes a sealed block out and drops it from the pending queue.
func (l *Log) flush(id uint64) error {
	l.mu.Lock()
	block, ok := l.pending[id]
	l.mu.Unlock()
	assert.Assert(ok, "block %d of log %q is not pending", id, l.name)

	f, err := l.openFile()
	if err != nil {
		return err
	}
	if err := f.WriteBlock(block, id); err != nil {
		return err
	}
	l.cache.Put(id, block)

	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
	return nil
}

// readSealed copies a block behind the tail into dst.
func (l *Log) readSealed(dst []byte, id uint64) error {
	l.mu.Lock()
	block, ok := l.pending[id]
	if ok {
		copy(dst, block)
	}
	l.mu.Unlock()
	if ok {
		return nil
	}

	if block, ok := l.cache.Get(id); ok {
		copy(dst, block)
		return nil
	}

	l.fileMu.Lock()
	f := l.file
	l.fileMu.Unlock()
	if f == nil {
		return fmt.Errorf("%w: block %d of log %q was never written", dberr.ErrCorruption, id, l.name)
	}
	return f.ReadBlock(dst, id)
}

// passed drops a block the applier has moved past from the cache.
func (l *Log) passed(id uint64) {
	l.cache.Drop(id)
}

// readResident copies the filled part of the tail block into dst when id
// is still the tail block. It reports false when the block has been
// sealed in the meantime.
func (l *Log) readResident(dst []byte, id uint64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tail.blockIndex != id {
		assert.Assert(l.tail.blockIndex > id, "reading block %d past the tail", id)
		return 0, false
	}
	return copy(dst, l.tail.block[:l.tail.offset]), true
}

func (l *Log) tailBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.tail.blockIndex
}

// Close removes the temporary file.
func (l *Log) Close() error {
	l.cache.Close()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
