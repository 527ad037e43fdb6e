package triefile

import (
	"bytes"
	"io"
	"sync/atomic"

	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/blobcomp"
)

// currentTrie is the trie the last disk read was served from
type currentTrie struct {
	id    trieblob.BlockID
	valid bool
	rd    *bytes.Reader
}

func (tf *TrieFile) onEvict(id trieblob.BlockID, _ []byte) {
	atomic.AddInt64(&tf.stats.evictions, 1)
}

func (tf *TrieFile) setCurrent(id trieblob.BlockID, data []byte) {
	tf.cur = currentTrie{
		id:    id,
		valid: true,
		rd:    bytes.NewReader(data),
	}
}

// GetTrieOffset returns where the blob for id lives in the blob file
func (tf *TrieFile) GetTrieOffset(meta trieblob.MetaStore, id trieblob.BlockID) (trieblob.BlobLocation, error) {
	et, err := tf.getTrieLocation(meta, id)
	if err != nil {
		return trieblob.BlobLocation{}, err
	}
	return et.Location, nil
}

func (tf *TrieFile) getTrieLocation(meta trieblob.MetaStore, id trieblob.BlockID) (trieblob.ExternalTrie, error) {
	if et, ok := tf.offsets[id]; ok {
		return et, nil
	}

	et, err := meta.GetExternalTrieOffsetLength(id)
	if err != nil {
		return trieblob.ExternalTrie{}, xerrors.Errorf("getting trie location: %w", err)
	}

	tf.offsets[id] = et
	return et, nil
}

// readStored reads the stored (possibly compressed) bytes at loc
func readStored(b io.ReadSeeker, loc trieblob.BlobLocation) ([]byte, error) {
	if _, err := b.Seek(int64(loc.Offset), io.SeekStart); err != nil {
		return nil, xerrors.Errorf("seeking to trie blob at %d: %w", loc.Offset, err)
	}

	buf := make([]byte, loc.Length)
	if _, err := io.ReadFull(b, buf); err != nil {
		return nil, xerrors.Errorf("reading %d byte trie blob at %d: %w", loc.Length, loc.Offset, err)
	}
	return buf, nil
}

// loadTrie makes id the current trie, going to disk only when neither the
// current slot nor the LRU has it
func (tf *TrieFile) loadTrie(meta trieblob.MetaStore, id trieblob.BlockID) error {
	if tf.cur.valid && tf.cur.id == id {
		atomic.AddInt64(&tf.stats.currentHits, 1)
		return nil
	}

	if data, ok := tf.lru.Get(id); ok {
		atomic.AddInt64(&tf.stats.lruHits, 1)
		tf.setCurrent(id, data)
		return nil
	}

	et, err := tf.getTrieLocation(meta, id)
	if err != nil {
		return err
	}
	// inline and unconfirmed blocks have no blob
	if et.Location.Length == 0 {
		return xerrors.Errorf("loading trie %d: no external blob: %w", id, trieblob.ErrNotFound)
	}

	stored, err := readStored(tf.blobs, et.Location)
	if err != nil {
		return xerrors.Errorf("loading trie %d: %w", id, err)
	}

	data, err := blobcomp.Decode(stored, et.Compression)
	if err != nil {
		return xerrors.Errorf("loading trie %d: %w", id, err)
	}

	atomic.AddInt64(&tf.stats.diskLoads, 1)
	tf.lru.Add(id, data)
	tf.setCurrent(id, data)
	return nil
}
