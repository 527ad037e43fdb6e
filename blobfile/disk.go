package blobfile

import (
	"bufio"
	"io"
	"os"

	"golang.org/x/xerrors"
)

const writeBufSize = 4 << 20

// Disk is a flat file holding concatenated trie blobs.
// * NOT THREAD SAFE
// * Writes are buffered; Seek and Read flush them first
// * Appended bytes are not durable until Sync
type Disk struct {
	path     string
	readonly bool

	fd *os.File
	wr *bufio.Writer
}

// OpenDisk opens the blob file at path, creating it unless readonly
func OpenDisk(path string, readonly bool) (*Disk, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readonly {
		flags = os.O_RDONLY
	}

	fd, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, xerrors.Errorf("opening blob file %s: %w", path, err)
	}

	return newDisk(path, fd, readonly), nil
}

// CreateDisk opens a fresh, empty blob file at path, truncating anything there
func CreateDisk(path string) (*Disk, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, xerrors.Errorf("creating blob file %s: %w", path, err)
	}

	return newDisk(path, fd, false), nil
}

func newDisk(path string, fd *os.File, readonly bool) *Disk {
	d := &Disk{
		path:     path,
		readonly: readonly,
		fd:       fd,
	}
	if !readonly {
		d.wr = bufio.NewWriterSize(fd, writeBufSize)
	}
	return d
}

func (d *Disk) flushBuffered() error {
	if d.wr == nil || d.wr.Buffered() == 0 {
		return nil
	}

	var err error
	for {
		err = d.wr.Flush()
		if err != io.ErrShortWrite {
			break
		}
	}
	if err != nil {
		return xerrors.Errorf("flushing buffered data: %w", err)
	}
	return nil
}

func (d *Disk) Read(p []byte) (int, error) {
	if err := d.flushBuffered(); err != nil {
		return 0, err
	}
	return d.fd.Read(p)
}

func (d *Disk) Write(p []byte) (int, error) {
	if d.readonly {
		return 0, ErrReadOnly
	}
	return d.wr.Write(p)
}

func (d *Disk) Seek(offset int64, whence int) (int64, error) {
	if err := d.flushBuffered(); err != nil {
		return 0, err
	}
	return d.fd.Seek(offset, whence)
}

func (d *Disk) Flush() error {
	return d.flushBuffered()
}

func (d *Disk) Sync() error {
	if d.readonly {
		return nil
	}
	if err := d.flushBuffered(); err != nil {
		return err
	}
	if err := d.fd.Sync(); err != nil {
		return xerrors.Errorf("sync blob file: %w", err)
	}
	return nil
}

func (d *Disk) Size() (int64, error) {
	if err := d.flushBuffered(); err != nil {
		return 0, err
	}
	st, err := d.fd.Stat()
	if err != nil {
		return 0, xerrors.Errorf("stat blob file: %w", err)
	}
	return st.Size(), nil
}

func (d *Disk) Path() string { return d.path }

func (d *Disk) ReadOnly() bool { return d.readonly }

func (d *Disk) Close() error {
	if err := d.Sync(); err != nil {
		log.Errorw("sync on close", "path", d.path, "err", err)
	}
	if err := d.fd.Close(); err != nil {
		return xerrors.Errorf("closing blob file: %w", err)
	}
	return nil
}
