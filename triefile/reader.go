package triefile

import (
	"io"

	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
)

// NodeHashReader reads node hashes out of one stored trie
type NodeHashReader struct {
	meta trieblob.MetaStore
	tf   *TrieFile
	id   trieblob.BlockID
}

func NewNodeHashReader(meta trieblob.MetaStore, tf *TrieFile, id trieblob.BlockID) *NodeHashReader {
	return &NodeHashReader{
		meta: meta,
		tf:   tf,
		id:   id,
	}
}

// ReadNodeHashBytes writes the 32 byte hash of the node at ptr to w
func (r *NodeHashReader) ReadNodeHashBytes(ptr trieblob.TriePtr, w io.Writer) error {
	h, err := r.tf.GetNodeHashBytes(r.meta, r.id, ptr)
	if err != nil {
		return err
	}
	if _, err := w.Write(h[:]); err != nil {
		return xerrors.Errorf("writing node hash: %w", err)
	}
	return nil
}
