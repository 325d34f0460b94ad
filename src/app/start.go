package app

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src"
	"github.com/Blackdeer1524/onlineddl/src/ddl"
)

func NewLogger(environment string) (src.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if environment == EnvDev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

// Entrypoint wires the environment and the logger of a command.
type Entrypoint struct {
	EnvPath string
	Env     Env

	log src.Logger
}

func (e *Entrypoint) Init(_ context.Context) error {
	env, err := LoadEnv(e.EnvPath)
	if err != nil {
		return err
	}
	e.Env = env

	e.log, err = NewLogger(env.Environment)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}

func (e *Entrypoint) Logger() src.Logger {
	return e.log
}

func (e *Entrypoint) DDL() ddl.Config {
	return e.Env.DDL(afero.NewOsFs(), e.log)
}

func (e *Entrypoint) Close() error {
	if e.log == nil {
		return nil
	}
	return e.log.Sync()
}
