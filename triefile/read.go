package triefile

import (
	"io"

	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
)

// seekNode positions a reader at ptr inside trie id
func (tf *TrieFile) seekNode(meta trieblob.MetaStore, id trieblob.BlockID, ptr trieblob.TriePtr) (io.Reader, error) {
	if tf.isMemory() {
		et, err := tf.getTrieLocation(meta, id)
		if err != nil {
			return nil, err
		}
		if et.Compression != trieblob.CompressionNone {
			return nil, xerrors.Errorf("trie %d is %s compressed, memory blobs are stored verbatim", id, et.Compression)
		}
		if uint64(ptr.Ptr) >= et.Location.Length {
			return nil, xerrors.Errorf("node pointer %d outside %d byte trie %d", ptr.Ptr, et.Location.Length, id)
		}

		if _, err := tf.blobs.Seek(int64(et.Location.Offset)+int64(ptr.Ptr), io.SeekStart); err != nil {
			return nil, xerrors.Errorf("seeking to node: %w", err)
		}
		// node reads stop at the end of this trie
		return io.LimitReader(tf.blobs, int64(et.Location.Length)-int64(ptr.Ptr)), nil
	}

	if err := tf.loadTrie(meta, id); err != nil {
		return nil, err
	}
	if int64(ptr.Ptr) >= tf.cur.rd.Size() {
		return nil, xerrors.Errorf("node pointer %d outside %d byte trie %d", ptr.Ptr, tf.cur.rd.Size(), id)
	}
	if _, err := tf.cur.rd.Seek(int64(ptr.Ptr), io.SeekStart); err != nil {
		return nil, xerrors.Errorf("seeking to node: %w", err)
	}
	return tf.cur.rd, nil
}

// GetNodeHashBytes reads the hash of the node at ptr in trie id
func (tf *TrieFile) GetNodeHashBytes(meta trieblob.MetaStore, id trieblob.BlockID, ptr trieblob.TriePtr) (trieblob.TrieHash, error) {
	r, err := tf.seekNode(meta, id, ptr)
	if err != nil {
		return trieblob.TrieHash{}, err
	}

	h, err := tf.codec.ReadHashBytes(r)
	if err != nil {
		return trieblob.TrieHash{}, xerrors.Errorf("reading node hash in trie %d at %d: %w", id, ptr.Ptr, err)
	}
	return h, nil
}

// GetNodeHashBytesByBlockHash is GetNodeHashBytes for the trie stored for bhh
func (tf *TrieFile) GetNodeHashBytesByBlockHash(meta trieblob.MetaStore, bhh trieblob.BlockHash, ptr trieblob.TriePtr) (trieblob.TrieHash, error) {
	id, err := meta.GetBlockIdentifier(bhh)
	if err != nil {
		return trieblob.TrieHash{}, xerrors.Errorf("resolving block %s: %w", bhh, err)
	}
	return tf.GetNodeHashBytes(meta, id, ptr)
}

func (tf *TrieFile) ReadNodeType(meta trieblob.MetaStore, id trieblob.BlockID, ptr trieblob.TriePtr) (trieblob.TrieNode, trieblob.TrieHash, error) {
	r, err := tf.seekNode(meta, id, ptr)
	if err != nil {
		return nil, trieblob.TrieHash{}, err
	}

	n, h, err := tf.codec.ReadNodeType(r, ptr.ID)
	if err != nil {
		return nil, trieblob.TrieHash{}, xerrors.Errorf("reading node in trie %d at %d: %w", id, ptr.Ptr, err)
	}
	return n, h, nil
}

func (tf *TrieFile) ReadNodeTypeNoHash(meta trieblob.MetaStore, id trieblob.BlockID, ptr trieblob.TriePtr) (trieblob.TrieNode, error) {
	r, err := tf.seekNode(meta, id, ptr)
	if err != nil {
		return nil, err
	}

	n, err := tf.codec.ReadNodeTypeNoHash(r, ptr.ID)
	if err != nil {
		return nil, xerrors.Errorf("reading node in trie %d at %d: %w", id, ptr.Ptr, err)
	}
	return n, nil
}

// ReadTrieBlob returns the whole decompressed trie id. The result must not
// be modified.
func (tf *TrieFile) ReadTrieBlob(meta trieblob.MetaStore, id trieblob.BlockID) ([]byte, error) {
	if tf.isMemory() {
		et, err := tf.getTrieLocation(meta, id)
		if err != nil {
			return nil, err
		}
		return readStored(tf.blobs, et.Location)
	}

	if err := tf.loadTrie(meta, id); err != nil {
		return nil, err
	}

	data, ok := tf.lru.Peek(id)
	if !ok {
		// the current trie may have been pushed out of the LRU by stores
		size := tf.cur.rd.Size()
		data = make([]byte, size)
		if size > 0 {
			if _, err := tf.cur.rd.ReadAt(data, 0); err != nil {
				return nil, xerrors.Errorf("copying current trie: %w", err)
			}
		}
	}
	return data, nil
}

// BlockRoot is the root node hash of one stored trie
type BlockRoot struct {
	BlockID   trieblob.BlockID
	BlockHash trieblob.BlockHash
	Root      trieblob.TrieHash
}

// ReadAllBlockHashesAndRoots reads the node hash at rootPtr for every
// confirmed external trie, in block id order
func (tf *TrieFile) ReadAllBlockHashesAndRoots(meta trieblob.MetaStore, rootPtr trieblob.TriePtr) ([]BlockRoot, error) {
	tries, err := meta.ListConfirmedExternalTries()
	if err != nil {
		return nil, xerrors.Errorf("listing tries: %w", err)
	}

	out := make([]BlockRoot, 0, len(tries))
	for _, et := range tries {
		bhh, err := meta.GetBlockHash(et.BlockID)
		if err != nil {
			return nil, xerrors.Errorf("getting block hash: %w", err)
		}

		root, err := tf.GetNodeHashBytes(meta, et.BlockID, rootPtr)
		if err != nil {
			return nil, xerrors.Errorf("reading root of %s: %w", bhh, err)
		}

		out = append(out, BlockRoot{
			BlockID:   et.BlockID,
			BlockHash: bhh,
			Root:      root,
		})
	}
	return out, nil
}
