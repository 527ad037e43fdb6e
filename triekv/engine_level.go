package triekv

import (
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"
)

// LevelEngine is a goleveldb backed Engine
type LevelEngine struct {
	db *leveldb.DB
}

var _ Engine = (*LevelEngine)(nil)

// OpenLevel opens a leveldb database at path, or an in-memory one when path
// is empty
func OpenLevel(path string) (*LevelEngine, error) {
	o := &opt.Options{
		OpenFilesCacheCapacity: 100,
		Filter:                 filter.NewBloomFilter(10),
		// records are hashes and offsets, snappy doesn't buy anything
		Compression: opt.NoCompression,
	}

	var err error
	var db *leveldb.DB
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		db, err = leveldb.OpenFile(path, o)
		if lerrors.IsCorrupted(err) {
			log.Warnw("leveldb corrupted, recovering", "path", path, "err", err)
			db, err = leveldb.RecoverFile(path, o)
		}
	}
	if err != nil {
		return nil, xerrors.Errorf("open leveldb: %w", err)
	}

	return &LevelEngine{db: db}, nil
}

func (l *LevelEngine) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("leveldb get: %w", err)
	}
	return v, nil
}

func (l *LevelEngine) Write(b *Batch) error {
	batch := leveldb.MakeBatch(b.Len())
	for _, e := range b.puts {
		batch.Put(e.key, e.val)
	}

	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return xerrors.Errorf("leveldb write: %w", err)
	}
	return nil
}

func (l *LevelEngine) Compact() error {
	if err := l.db.CompactRange(util.Range{}); err != nil {
		return xerrors.Errorf("leveldb compact: %w", err)
	}
	return nil
}

func (l *LevelEngine) Close() error {
	return l.db.Close()
}
