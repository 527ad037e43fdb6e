package trieblob

import (
	"errors"

	"golang.org/x/xerrors"
)

var (
	// ErrNotFound means the id does not denote a stored block. Migration treats
	// it as a skip.
	ErrNotFound = xerrors.New("not found")

	ErrCorruptPayload   = xerrors.New("corrupt trie blob payload")
	ErrPartialMigration = xerrors.New("PARTIAL MIGRATION DETECTED! This is an irrecoverable error. You will need to restart your node from genesis.")
)

// FatalError marks state the process must not keep operating on. Top-level
// callers are expected to log and exit.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err into the fatal category
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
