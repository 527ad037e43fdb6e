package triefile

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/blobfile"
)

var log = logging.Logger("triefile")

// TrieFile stores serialized tries in one append-only blob file next to the
// metadata db, and serves node reads out of them.
//   - NOT THREAD SAFE, callers serialize all access
//   - Migrations must run with no other readers or writers
//   - Disk-backed files cache decompressed tries, memory-backed ones read the
//     shared buffer directly
type TrieFile struct {
	blobs    blobfile.Backend
	path     string
	readonly bool

	codec         trieblob.NodeCodec
	compressBatch int

	// locations are never evicted; reset when migration moves blobs
	offsets map[trieblob.BlockID]trieblob.ExternalTrie

	lru *lru.Cache[trieblob.BlockID, []byte]
	cur currentTrie

	stats cacheStats
}

// BlobPath returns the blob file path for a metadata db path
func BlobPath(dbPath string) string {
	if dbPath == trieblob.MemoryPath {
		return trieblob.MemoryPath
	}
	return dbPath + trieblob.BlobsExt
}

// FromDBPath opens the blob file belonging to the metadata db at dbPath.
// ":memory:" gives a fresh in-memory file.
func FromDBPath(dbPath string, readonly bool, opts ...Option) (*TrieFile, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.compressBatchSize <= 0 {
		return nil, xerrors.Errorf("compress batch size must be positive, got %d", o.compressBatchSize)
	}
	if o.codec == nil {
		return nil, xerrors.Errorf("node codec not set")
	}

	path := BlobPath(dbPath)

	var b blobfile.Backend
	if path == trieblob.MemoryPath {
		b = blobfile.NewMemory(readonly)
	} else {
		d, err := blobfile.OpenDisk(path, readonly)
		if err != nil {
			return nil, xerrors.Errorf("open trie blobs: %w", err)
		}
		b = d
	}

	tf := &TrieFile{
		blobs:         b,
		path:          path,
		readonly:      readonly,
		codec:         o.codec,
		compressBatch: o.compressBatchSize,
		offsets:       map[trieblob.BlockID]trieblob.ExternalTrie{},
	}

	var err error
	tf.lru, err = lru.NewWithEvict[trieblob.BlockID, []byte](o.cacheSize, tf.onEvict)
	if err != nil {
		_ = b.Close()
		return nil, xerrors.Errorf("creating trie cache: %w", err)
	}

	log.Debugw("opened trie file", "path", path, "readonly", readonly, "cache", o.cacheSize)
	return tf, nil
}

// Exists reports whether the blob file for dbPath is present. Always false
// for ":memory:".
func Exists(dbPath string) (bool, error) {
	if dbPath == trieblob.MemoryPath {
		return false, nil
	}

	_, err := os.Stat(BlobPath(dbPath))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, xerrors.Errorf("stat trie blobs: %w", err)
	}
}

// GetPath returns the blob file path, or ":memory:"
func (tf *TrieFile) GetPath() string {
	return tf.path
}

func (tf *TrieFile) isMemory() bool {
	return tf.path == trieblob.MemoryPath
}

func (tf *TrieFile) Close() error {
	tf.cur = currentTrie{}
	if err := tf.blobs.Close(); err != nil {
		return xerrors.Errorf("closing trie blobs: %w", err)
	}
	return nil
}
