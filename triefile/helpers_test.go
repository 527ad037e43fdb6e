package triefile

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/triekv"
	"github.com/lotus-web3/trieblob/trienode"
	"github.com/lotus-web3/trieblob/triesql"
)

type metaOpener func(t *testing.T, dbPath string, v trieblob.SchemaVersion) trieblob.MetaStore

func kvPath(dbPath string) string {
	if dbPath == trieblob.MemoryPath {
		return ""
	}
	return dbPath
}

var metaStores = map[string]metaOpener{
	"sqlite": func(t *testing.T, dbPath string, v trieblob.SchemaVersion) trieblob.MetaStore {
		m, err := triesql.Open(dbPath, triesql.WithSchemaVersion(v))
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
		return m
	},
	"pebble": func(t *testing.T, dbPath string, v trieblob.SchemaVersion) trieblob.MetaStore {
		eng, err := triekv.OpenPebble(kvPath(dbPath))
		require.NoError(t, err)
		m, err := triekv.New(eng, triekv.WithSchemaVersion(v))
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
		return m
	},
	"level": func(t *testing.T, dbPath string, v trieblob.SchemaVersion) trieblob.MetaStore {
		eng, err := triekv.OpenLevel(kvPath(dbPath))
		require.NoError(t, err)
		m, err := triekv.New(eng, triekv.WithSchemaVersion(v))
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
		return m
	},
}

// backends maps a backend name to a fresh metadata db path
var backends = map[string]func(t *testing.T) string{
	"memory": func(t *testing.T) string { return trieblob.MemoryPath },
	"disk":   func(t *testing.T) string { return filepath.Join(t.TempDir(), "index.db") },
}

func openSQL(t *testing.T, dbPath string, v trieblob.SchemaVersion) trieblob.MetaStore {
	return metaStores["sqlite"](t, dbPath, v)
}

func openTrieFile(t *testing.T, dbPath string, opts ...Option) *TrieFile {
	tf, err := FromDBPath(dbPath, false, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tf.Close() })
	return tf
}

func bh(i int) trieblob.BlockHash {
	var out trieblob.BlockHash
	out[0] = byte(i)
	out[1] = byte(i >> 8)
	out[31] = 0xaa
	return out
}

type testTrie struct {
	blob  []byte
	nodes []*trienode.Node
	offs  []uint32
}

func makeTrie(t *testing.T, nodes int) *testTrie {
	ns := make([]*trienode.Node, nodes)
	for i := range ns {
		payload := make([]byte, 20+i*7)
		_, err := rand.Read(payload)
		require.NoError(t, err)
		ns[i] = &trienode.Node{ID: trieblob.NodeID(i%4 + 1), Payload: payload}
	}

	blob, offs := trienode.Serialize(ns)
	return &testTrie{blob: blob, nodes: ns, offs: offs}
}

func (tt *testTrie) ptr(i int) trieblob.TriePtr {
	return trieblob.TriePtr{ID: tt.nodes[i].ID, Ptr: tt.offs[i]}
}

func checkTrie(t *testing.T, tf *TrieFile, meta trieblob.MetaStore, id trieblob.BlockID, tt *testTrie) {
	for i, n := range tt.nodes {
		ptr := tt.ptr(i)

		h, err := tf.GetNodeHashBytes(meta, id, ptr)
		require.NoError(t, err)
		require.Equal(t, trienode.Hash(n), h)

		got, gh, err := tf.ReadNodeType(meta, id, ptr)
		require.NoError(t, err)
		require.Equal(t, n, got)
		require.Equal(t, h, gh)

		got, err = tf.ReadNodeTypeNoHash(meta, id, ptr)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}

	blob, err := tf.ReadTrieBlob(meta, id)
	require.NoError(t, err)
	require.Equal(t, tt.blob, blob)
}

func blobSize(t *testing.T, tf *TrieFile) int64 {
	size, err := tf.blobs.Size()
	require.NoError(t, err)
	return size
}

func storedBytes(t *testing.T, meta trieblob.MetaStore) int64 {
	tries, err := meta.ListConfirmedExternalTries()
	require.NoError(t, err)

	var total int64
	for _, et := range tries {
		total += int64(et.Location.Length)
	}
	return total
}
