package blobfile

import (
	"errors"
	"io"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blobfile")

var ErrReadOnly = errors.New("blob file is read-only")

// Backend is an append-only byte container with a cursor. Callers seek to
// the end before appending; bytes already written are never rewritten.
// NOT THREAD SAFE
type Backend interface {
	io.Reader
	io.Writer
	io.Seeker

	// Flush pushes buffered writes to the underlying container
	Flush() error

	// Sync flushes and makes written bytes durable. No-op for memory.
	Sync() error

	// Size is the current length of the container
	Size() (int64, error)

	// Path identifies the backend, ":memory:" for the memory variant
	Path() string

	ReadOnly() bool

	io.Closer
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Disk)(nil)
)
