package triefile

import (
	"io"

	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/blobcomp"
	"github.com/lotus-web3/trieblob/blobfile"
)

// BlobStorageResult describes one appended blob
type BlobStorageResult struct {
	Offset           uint64
	UncompressedSize int
	StorageSize      int

	// Compression is nil when the blob was stored verbatim
	Compression *blobcomp.Result
}

func (r BlobStorageResult) Location() trieblob.BlobLocation {
	return trieblob.BlobLocation{Offset: r.Offset, Length: uint64(r.StorageSize)}
}

func (r BlobStorageResult) Algorithm() trieblob.Compression {
	if r.Compression == nil {
		return trieblob.CompressionNone
	}
	return r.Compression.Algorithm
}

// encode returns the bytes to store for trie bytes buf. Disk files hold lz4
// blobs, memory files hold tries verbatim.
func (tf *TrieFile) encode(buf []byte) ([]byte, *blobcomp.Result) {
	if tf.isMemory() {
		return buf, nil
	}
	c := blobcomp.CompressBlob(buf)
	return c.Bytes, c
}

// writeAt writes stored at off, then flushes and syncs
func writeAt(b blobfile.Backend, off uint64, stored []byte) error {
	if _, err := b.Seek(int64(off), io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to append offset %d: %w", off, err)
	}
	if _, err := b.Write(stored); err != nil {
		return xerrors.Errorf("writing trie blob: %w", err)
	}
	if err := b.Flush(); err != nil {
		return xerrors.Errorf("flushing trie blob: %w", err)
	}
	if err := b.Sync(); err != nil {
		return xerrors.Errorf("syncing trie blob: %w", err)
	}
	return nil
}

// appendAtEnd writes stored at the current end of b without syncing and
// returns its offset
func appendAtEnd(b blobfile.Backend, stored []byte) (uint64, error) {
	end, err := b.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, xerrors.Errorf("seeking to end of blob file: %w", err)
	}
	if _, err := b.Write(stored); err != nil {
		return 0, xerrors.Errorf("appending trie blob: %w", err)
	}
	return uint64(end), nil
}

// AppendTrieBlob writes trie bytes at the next append offset recorded in meta.
// The bytes are durable when this returns, but nothing points at them until
// the caller registers the location.
func (tf *TrieFile) AppendTrieBlob(meta trieblob.MetaStore, buf []byte) (BlobStorageResult, error) {
	if tf.readonly {
		return BlobStorageResult{}, blobfile.ErrReadOnly
	}

	off, err := meta.GetExternalBlobsLength()
	if err != nil {
		return BlobStorageResult{}, xerrors.Errorf("getting append offset: %w", err)
	}

	stored, comp := tf.encode(buf)
	if err := writeAt(tf.blobs, off, stored); err != nil {
		return BlobStorageResult{}, err
	}

	return BlobStorageResult{
		Offset:           off,
		UncompressedSize: len(buf),
		StorageSize:      len(stored),
		Compression:      comp,
	}, nil
}

// StoreTrieBlob appends a serialized trie and registers it for bhh. On disk
// the trie also goes into the decompressed cache.
func (tf *TrieFile) StoreTrieBlob(meta trieblob.MetaStore, bhh trieblob.BlockHash, buf []byte) (trieblob.BlockID, error) {
	res, err := tf.AppendTrieBlob(meta, buf)
	if err != nil {
		return 0, xerrors.Errorf("storing trie for %s: %w", bhh, err)
	}

	et := trieblob.ExternalTrie{
		Location:    res.Location(),
		Compression: res.Algorithm(),
	}
	id, err := meta.WriteExternalTrieBlob(bhh, et.Location, et.Compression)
	if err != nil {
		return 0, xerrors.Errorf("registering trie for %s: %w", bhh, err)
	}
	et.BlockID = id
	tf.offsets[id] = et

	if !tf.isMemory() {
		cached := make([]byte, len(buf))
		copy(cached, buf)
		tf.lru.Add(id, cached)
	}

	log.Debugw("stored trie", "block", id, "hash", bhh, "offset", res.Offset, "size", res.UncompressedSize, "stored", res.StorageSize)
	return id, nil
}
