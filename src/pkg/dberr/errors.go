package dberr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCorruption means a record or a structure is in a state that
	// can not be produced by a correct writer. The target is unusable.
	ErrCorruption = errors.New("corruption")

	ErrDuplicateKey = errors.New("duplicate key")

	// ErrMissingHistory means that an off-page value referenced by a
	// logged row has been freed since the row was logged.
	ErrMissingHistory = errors.New("missing history")

	ErrOutOfSpace   = errors.New("out of space")
	ErrInterrupted  = errors.New("interrupted")
	ErrTooBigRecord = errors.New("record too big")
	ErrInvalidNull  = errors.New("invalid NULL value")
)

// DuplicateKeyError carries the first duplicate value found while
// building an index.
type DuplicateKeyError struct {
	Index  string
	Values []string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf(
		"duplicate entry '%s' for key '%s'",
		strings.Join(e.Values, "-"),
		e.Index,
	)
}

func (e *DuplicateKeyError) Unwrap() error {
	return ErrDuplicateKey
}

// Fatal reports whether err must abort the whole build.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrMissingHistory)
}
