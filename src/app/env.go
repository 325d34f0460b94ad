package app

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	envPrefix = "ONLINEDDL"
)

// Env is read from ONLINEDDL_* variables.
type Env struct {
	Environment string `envconfig:"ENVIRONMENT" default:"dev"`

	TmpDir         string `envconfig:"TMP_DIR"`
	BlockSize      int    `envconfig:"BLOCK_SIZE" default:"65536"`
	SortBufferSize int    `envconfig:"SORT_BUFFER_SIZE" default:"1048576"`
	MaxLogSize     int64  `envconfig:"MAX_LOG_SIZE" default:"134217728"`
	ScanYieldRows  int    `envconfig:"SCAN_YIELD_ROWS" default:"1000"`
	MergeWorkers   int    `envconfig:"MERGE_WORKERS" default:"4"`
	BlockCacheSize int64  `envconfig:"BLOCK_CACHE_SIZE" default:"8388608"`
}

// LoadEnv reads the environment after loading the given .env files.
// Variables that are already set win over the files; missing files are
// ignored.
func LoadEnv(files ...string) (Env, error) {
	for _, f := range files {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := env.validate(); err != nil {
		return Env{}, err
	}
	return env, nil
}

func (e Env) validate() error {
	switch {
	case e.Environment != EnvDev && e.Environment != EnvProd:
		return fmt.Errorf("unknown environment %q", e.Environment)
	case e.BlockSize <= 0:
		return fmt.Errorf("block size must be positive, got %d", e.BlockSize)
	case e.SortBufferSize < e.BlockSize:
		return fmt.Errorf("sort buffer of %d bytes is smaller than a block", e.SortBufferSize)
	case e.MaxLogSize < int64(e.BlockSize):
		return fmt.Errorf("log size limit of %d bytes is smaller than a block", e.MaxLogSize)
	case e.MergeWorkers <= 0:
		return fmt.Errorf("merge workers must be positive, got %d", e.MergeWorkers)
	}
	return nil
}

func (e Env) DDL(fs afero.Fs, log src.Logger) ddl.Config {
	return ddl.Config{
		Fs:             fs,
		TmpDir:         e.TmpDir,
		BlockSize:      e.BlockSize,
		SortBufferSize: e.SortBufferSize,
		MaxLogSize:     e.MaxLogSize,
		YieldRows:      e.ScanYieldRows,
		MergeWorkers:   e.MergeWorkers,
		BlockCacheSize: e.BlockCacheSize,
		Logger:         log,
	}
}
