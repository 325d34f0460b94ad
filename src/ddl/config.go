package ddl

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowlog"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmerge"
)

var (
	ErrInvalidPlan = errors.New("invalid build plan")
	ErrAborted     = errors.New("build aborted")
)

const (
	DefaultSortBufferSize = 1 << 20
	DefaultMergeWorkers   = 4
)

type Config struct {
	// Fs holds the run files and the online logs. TmpDir is created on
	// demand.
	Fs     afero.Fs
	TmpDir string

	// BlockSize is shared by run files and online logs. A single record
	// must fit into one block.
	BlockSize      int
	SortBufferSize int
	MaxLogSize     int64

	// YieldRows is the number of rows the scan reads before it lets
	// writers in.
	YieldRows    int
	MergeWorkers int

	// BlockCacheSize bounds the memory used per online log to keep
	// recently written blocks. 0 disables the cache.
	BlockCacheSize int64

	Logger src.Logger
}

func (c *Config) setDefaults() {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.BlockSize <= 0 {
		c.BlockSize = rowlog.DefaultBlockSize
	}
	if c.SortBufferSize <= 0 {
		c.SortBufferSize = DefaultSortBufferSize
	}
	if c.MaxLogSize <= 0 {
		c.MaxLogSize = rowlog.DefaultMaxLogSize
	}
	if c.YieldRows <= 0 {
		c.YieldRows = rowmerge.DefaultYieldRows
	}
	if c.MergeWorkers <= 0 {
		c.MergeWorkers = DefaultMergeWorkers
	}
	if c.BlockCacheSize < 0 {
		c.BlockCacheSize = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
}

func (c *Config) logConfig() rowlog.Config {
	return rowlog.Config{
		Fs:         c.Fs,
		Dir:        c.TmpDir,
		BlockSize:  c.BlockSize,
		MaxLogSize: c.MaxLogSize,
		CacheSize:  c.BlockCacheSize,
		Logger:     c.Logger,
	}
}

func (c *Config) mergeConfig() rowmerge.Config {
	return rowmerge.Config{
		Fs:             c.Fs,
		Dir:            c.TmpDir,
		BlockSize:      c.BlockSize,
		SortBufferSize: c.SortBufferSize,
		Logger:         c.Logger,
	}
}

// Plan names what a build creates: new secondary indexes of the table or a
// new definition of the whole table.
type Plan struct {
	AddIndexes []*rowmap.IndexDef
	Rebuild    *rowmap.TableDef
}

func (p Plan) validate() error {
	switch {
	case len(p.AddIndexes) == 0 && p.Rebuild == nil:
		return fmt.Errorf("%w: nothing to build", ErrInvalidPlan)
	case len(p.AddIndexes) > 0 && p.Rebuild != nil:
		return fmt.Errorf("%w: indexes are added to a rebuilt table through its definition", ErrInvalidPlan)
	}
	return nil
}

func (p Plan) kind() string {
	if p.Rebuild != nil {
		return "rebuild"
	}
	return "add-index"
}
