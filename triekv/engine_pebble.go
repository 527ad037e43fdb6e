package triekv

import (
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"golang.org/x/xerrors"
)

// PebbleEngine is a pebble backed Engine, thread-safe.
type PebbleEngine struct {
	db *pebble.DB
}

var _ Engine = (*PebbleEngine)(nil)

// OpenPebble opens a pebble database at path, or an in-memory one when path
// is empty
func OpenPebble(path string) (*PebbleEngine, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, xerrors.Errorf("open pebble: %w", err)
	}

	return &PebbleEngine{db: db}, nil
}

func (p *PebbleEngine) Get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("pebble get: %w", err)
	}

	out := make([]byte, len(val))
	copy(out, val)

	if err := closer.Close(); err != nil {
		return nil, xerrors.Errorf("pebble get close: %w", err)
	}
	return out, nil
}

func (p *PebbleEngine) Write(b *Batch) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	for _, e := range b.puts {
		if err := batch.Set(e.key, e.val, nil); err != nil {
			return xerrors.Errorf("pebble batch set: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return xerrors.Errorf("pebble commit: %w", err)
	}
	return nil
}

func (p *PebbleEngine) Compact() error {
	if err := p.db.Compact(keySpaceStart, keySpaceEnd, true); err != nil {
		return xerrors.Errorf("pebble compact: %w", err)
	}
	return nil
}

func (p *PebbleEngine) Close() error {
	return p.db.Close()
}
