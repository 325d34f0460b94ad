package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/onlineddl/src/pkg/assert"
)

var ErrNoSuchBlock = errors.New("no such block")

// BlockFile is a temporary file divided into fixed-size blocks. Sort runs
// and the online modification log are stored in such files.
type BlockFile struct {
	mu        sync.RWMutex
	fs        afero.Fs
	path      string
	file      afero.File
	blockSize int
	nBlocks   uint64
}

func CreateTemp(fs afero.Fs, dir string, prefix string, blockSize int) (*BlockFile, error) {
	assert.Assert(blockSize > 0, "block size must be greater than zero")

	if dir == "" {
		dir = os.TempDir()
	}

	err := fs.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("unable to create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, prefix+"-"+uuid.NewString()+".tmp")
	file, err := fs.OpenFile(
		filepath.Clean(path),
		os.O_RDWR|os.O_CREATE|os.O_EXCL,
		0600,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file %s: %w", path, err)
	}

	return &BlockFile{
		fs:        fs,
		path:      path,
		file:      file,
		blockSize: blockSize,
	}, nil
}

func (f *BlockFile) BlockSize() int {
	return f.blockSize
}

func (f *BlockFile) Path() string {
	return f.path
}

// Blocks returns the number of blocks written so far.
func (f *BlockFile) Blocks() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.nBlocks
}

func (f *BlockFile) ReadBlock(dst []byte, id uint64) error {
	assert.Assert(len(dst) == f.blockSize, "invalid buffer size %d", len(dst))

	f.mu.RLock()
	defer f.mu.RUnlock()

	if id >= f.nBlocks {
		return fmt.Errorf("block %d of %s: %w", id, f.path, ErrNoSuchBlock)
	}

	//nolint:gosec
	offset := int64(id) * int64(f.blockSize)
	_, err := f.file.ReadAt(dst, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Join(err, ErrNoSuchBlock)
		}
		return fmt.Errorf("failed to read block %d of %s: %w", id, f.path, err)
	}
	return nil
}

func (f *BlockFile) WriteBlock(data []byte, id uint64) error {
	assert.Assert(len(data) == f.blockSize, "invalid block size %d", len(data))

	f.mu.Lock()
	defer f.mu.Unlock()

	//nolint:gosec
	offset := int64(id) * int64(f.blockSize)
	_, err := f.file.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("failed to write block %d of %s: %w", id, f.path, err)
	}

	f.nBlocks = max(f.nBlocks, id+1)
	return nil
}

// Reset discards every block so that the file can be reused.
func (f *BlockFile) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", f.path, err)
	}
	f.nBlocks = 0
	return nil
}

// Close closes and removes the file.
func (f *BlockFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}

	err := f.file.Close()
	f.file = nil
	return errors.Join(err, f.fs.Remove(f.path))
}
