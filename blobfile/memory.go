package blobfile

import (
	"io"
	"os"

	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
)

// Memory is a growable in-memory buffer, used for ephemeral stores and tests.
// The readonly flag is advisory, it's up to the caller not to write.
type Memory struct {
	buf      []byte
	pos      int64
	readonly bool
}

func NewMemory(readonly bool) *Memory {
	return &Memory{readonly: readonly}
}

func (m *Memory) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *Memory) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		if end > int64(cap(m.buf)) {
			nb := make([]byte, end, 2*end)
			copy(nb, m.buf)
			m.buf = nb
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *Memory) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.pos + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, os.ErrInvalid
	}
	if abs < 0 {
		return 0, xerrors.Errorf("seek to negative position %d", abs)
	}
	m.pos = abs
	return abs, nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Sync() error { return nil }

func (m *Memory) Size() (int64, error) {
	return int64(len(m.buf)), nil
}

func (m *Memory) Path() string { return trieblob.MemoryPath }

func (m *Memory) ReadOnly() bool { return m.readonly }

func (m *Memory) Close() error {
	m.buf = nil
	m.pos = 0
	return nil
}
