package triefile

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/blobcomp"
	"github.com/lotus-web3/trieblob/blobfile"
)

func TestStoreRead(t *testing.T) {
	for bname, newPath := range backends {
		for mname, open := range metaStores {
			newPath, open := newPath, open
			t.Run(bname+"/"+mname, func(t *testing.T) {
				dbPath := newPath(t)
				meta := open(t, dbPath, trieblob.CurrentSchema)
				tf := openTrieFile(t, dbPath)

				tries := make([]*testTrie, 5)
				for i := range tries {
					tries[i] = makeTrie(t, 6)
					id, err := tf.StoreTrieBlob(meta, bh(i), tries[i].blob)
					require.NoError(t, err)
					require.Equal(t, trieblob.BlockID(i), id)
				}

				// read out of order so the current slot keeps changing
				for _, i := range []int{3, 0, 4, 4, 1, 2} {
					checkTrie(t, tf, meta, trieblob.BlockID(i), tries[i])
				}

				// locations are contiguous, in store order
				var next uint64
				for i := range tries {
					loc, err := tf.GetTrieOffset(meta, trieblob.BlockID(i))
					require.NoError(t, err)
					require.Equal(t, next, loc.Offset)
					next = loc.Offset + loc.Length
				}
				require.Equal(t, int64(next), blobSize(t, tf))

				end, err := meta.GetExternalBlobsLength()
				require.NoError(t, err)
				require.Equal(t, next, end)
			})
		}
	}
}

func TestScenarioMemory(t *testing.T) {
	meta := openSQL(t, trieblob.MemoryPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, trieblob.MemoryPath)
	require.Equal(t, trieblob.MemoryPath, tf.GetPath())

	blobs := make([][]byte, 3)
	for i := range blobs {
		blobs[i] = make([]byte, 100)
		_, err := rand.Read(blobs[i])
		require.NoError(t, err)

		id, err := tf.StoreTrieBlob(meta, bh(i), blobs[i])
		require.NoError(t, err)
		require.Equal(t, trieblob.BlockID(i), id)
	}

	for i := range blobs {
		et, err := meta.GetExternalTrieOffsetLength(trieblob.BlockID(i))
		require.NoError(t, err)
		require.Equal(t, trieblob.BlobLocation{Offset: uint64(i * 100), Length: 100}, et.Location)
		require.Equal(t, trieblob.CompressionNone, et.Compression)

		h, err := tf.GetNodeHashBytes(meta, trieblob.BlockID(i), trieblob.TriePtr{Ptr: 0})
		require.NoError(t, err)
		require.Equal(t, blobs[i][:trieblob.HashSize], h[:])

		h, err = tf.GetNodeHashBytes(meta, trieblob.BlockID(i), trieblob.TriePtr{Ptr: 50})
		require.NoError(t, err)
		require.Equal(t, blobs[i][50:50+trieblob.HashSize], h[:])
	}

	got, err := tf.ReadTrieBlob(meta, 1)
	require.NoError(t, err)
	require.Equal(t, blobs[1], got)

	require.Equal(t, int64(300), blobSize(t, tf))

	// memory reads go straight to the buffer
	require.Equal(t, CacheStats{}, tf.Stats())
}

func TestScenarioDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)
	require.Equal(t, dbPath+trieblob.BlobsExt, tf.GetPath())

	blob := bytes.Repeat([]byte("0123456789abcdefghijklmnopqrstuvwxyz"), 10240/36+1)[:10240]

	res, err := tf.AppendTrieBlob(meta, blob)
	require.NoError(t, err)
	require.Equal(t, uint64(0), res.Offset)
	require.Equal(t, len(blob), res.UncompressedSize)
	require.NotNil(t, res.Compression)
	require.Equal(t, trieblob.CompressionLZ4, res.Compression.Algorithm)
	require.Less(t, res.StorageSize, len(blob))

	st, err := os.Stat(tf.GetPath())
	require.NoError(t, err)
	require.Equal(t, int64(res.StorageSize), st.Size())

	id, err := meta.WriteExternalTrieBlob(bh(0), res.Location(), res.Algorithm())
	require.NoError(t, err)

	h, err := tf.GetNodeHashBytes(meta, id, trieblob.TriePtr{Ptr: 0})
	require.NoError(t, err)
	require.Equal(t, blob[:trieblob.HashSize], h[:])

	// out of range pointers are errors, not panics
	_, err = tf.GetNodeHashBytes(meta, id, trieblob.TriePtr{Ptr: uint32(len(blob))})
	require.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)

	tf := openTrieFile(t, dbPath)
	tt := makeTrie(t, 3)
	id, err := tf.StoreTrieBlob(meta, bh(1), tt.blob)
	require.NoError(t, err)
	require.NoError(t, tf.Close())

	ro, err := FromDBPath(dbPath, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ro.Close() })

	checkTrie(t, ro, meta, id, tt)

	_, err = ro.StoreTrieBlob(meta, bh(2), tt.blob)
	require.ErrorIs(t, err, blobfile.ErrReadOnly)
}

func TestExists(t *testing.T) {
	ok, err := Exists(trieblob.MemoryPath)
	require.NoError(t, err)
	require.False(t, ok)

	dbPath := filepath.Join(t.TempDir(), "index.db")
	ok, err = Exists(dbPath)
	require.NoError(t, err)
	require.False(t, ok)

	openTrieFile(t, dbPath)

	ok, err = Exists(dbPath)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheBound(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)

	const n = DefaultCacheSize + 1
	tries := make([]*testTrie, n)
	for i := range tries {
		tries[i] = makeTrie(t, 1)
		_, err := tf.StoreTrieBlob(meta, bh(i), tries[i].blob)
		require.NoError(t, err)
	}

	// storing seeds the cache; the first trie fell out
	st := tf.Stats()
	require.Equal(t, int64(1), st.Evictions)
	require.Equal(t, DefaultCacheSize, st.LRUSize)
	require.Equal(t, int64(0), st.DiskLoads)

	checkTrie(t, tf, meta, n-1, tries[n-1])
	st = tf.Stats()
	require.Equal(t, int64(1), st.LRUHits)
	require.Equal(t, int64(0), st.DiskLoads)

	checkTrie(t, tf, meta, 0, tries[0])
	st = tf.Stats()
	require.Equal(t, int64(1), st.DiskLoads)
	require.Equal(t, int64(2), st.Evictions)
	require.Greater(t, st.CurrentHits, int64(0))

	// trie 1 was the least recently used when 0 came back
	checkTrie(t, tf, meta, 1, tries[1])
	require.Equal(t, int64(2), tf.Stats().DiskLoads)

	checkTrie(t, tf, meta, n-1, tries[n-1])
	require.Equal(t, int64(2), tf.Stats().DiskLoads)
}

func TestCacheSeedMatchesDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)

	var ids []trieblob.BlockID
	for i := 0; i < 20; i++ {
		tt := makeTrie(t, 1+i%5)
		id, err := tf.StoreTrieBlob(meta, bh(i), tt.blob)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// a second handle has a cold cache and reads everything from disk
	cold := openTrieFile(t, dbPath)

	for _, id := range ids {
		seeded, err := tf.ReadTrieBlob(meta, id)
		require.NoError(t, err)
		fromDisk, err := cold.ReadTrieBlob(meta, id)
		require.NoError(t, err)
		require.Equal(t, fromDisk, seeded)
	}

	require.Equal(t, int64(0), tf.Stats().DiskLoads)
	require.Equal(t, int64(len(ids)), cold.Stats().DiskLoads)
}

func TestStoreCopiesSeed(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)

	tt := makeTrie(t, 2)
	buf := append([]byte(nil), tt.blob...)
	id, err := tf.StoreTrieBlob(meta, bh(0), buf)
	require.NoError(t, err)

	for i := range buf {
		buf[i] = 0
	}
	checkTrie(t, tf, meta, id, tt)
}

func TestCorruptBlobIsFatal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)

	// size prefix far beyond what the payload could inflate to
	garbage := []byte{0xff, 0xff, 0xff, 0x7f, 1, 2, 3, 4}
	require.NoError(t, writeAt(tf.blobs, 0, garbage))
	id, err := meta.WriteExternalTrieBlob(bh(0), trieblob.BlobLocation{Offset: 0, Length: uint64(len(garbage))}, trieblob.CompressionLZ4)
	require.NoError(t, err)

	_, err = tf.GetNodeHashBytes(meta, id, trieblob.TriePtr{})
	require.Error(t, err)
	require.True(t, trieblob.IsFatal(err))
	require.ErrorIs(t, err, trieblob.ErrCorruptPayload)
}

func TestNodeHashReader(t *testing.T) {
	for bname, newPath := range backends {
		newPath := newPath
		t.Run(bname, func(t *testing.T) {
			dbPath := newPath(t)
			meta := openSQL(t, dbPath, trieblob.CurrentSchema)
			tf := openTrieFile(t, dbPath)

			tt := makeTrie(t, 4)
			id, err := tf.StoreTrieBlob(meta, bh(7), tt.blob)
			require.NoError(t, err)

			r := NewNodeHashReader(meta, tf, id)
			var buf bytes.Buffer
			for i := range tt.nodes {
				require.NoError(t, r.ReadNodeHashBytes(tt.ptr(i), &buf))
			}

			var want []byte
			for i := range tt.nodes {
				h, err := tf.GetNodeHashBytesByBlockHash(meta, bh(7), tt.ptr(i))
				require.NoError(t, err)
				want = append(want, h[:]...)
			}
			require.Equal(t, want, buf.Bytes())
			require.Len(t, want, len(tt.nodes)*trieblob.HashSize)
		})
	}
}

func TestReadAllBlockHashesAndRoots(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)

	tries := make([]*testTrie, 4)
	for i := range tries {
		tries[i] = makeTrie(t, 3)
		_, err := tf.StoreTrieBlob(meta, bh(i), tries[i].blob)
		require.NoError(t, err)
	}

	roots, err := tf.ReadAllBlockHashesAndRoots(meta, trieblob.TriePtr{Ptr: 0})
	require.NoError(t, err)
	require.Len(t, roots, len(tries))
	for i, r := range roots {
		require.Equal(t, trieblob.BlockID(i), r.BlockID)
		require.Equal(t, bh(i), r.BlockHash)
		require.Equal(t, hashAt(tries[i], 0), r.Root)
	}
}

func hashAt(tt *testTrie, i int) trieblob.TrieHash {
	var h trieblob.TrieHash
	copy(h[:], tt.blob[tt.offs[i]:])
	return h
}

func TestDecodeStoredMatchesResult(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)

	tt := makeTrie(t, 5)
	res, err := tf.AppendTrieBlob(meta, tt.blob)
	require.NoError(t, err)

	stored, err := readStored(tf.blobs, res.Location())
	require.NoError(t, err)
	require.Equal(t, res.Compression.Bytes, stored)

	decoded, err := blobcomp.Decode(stored, res.Algorithm())
	require.NoError(t, err)
	require.Equal(t, tt.blob, decoded)
}

func TestNodeReadStopsAtTrieEnd(t *testing.T) {
	for bname, newPath := range backends {
		newPath := newPath
		t.Run(bname, func(t *testing.T) {
			dbPath := newPath(t)
			meta := openSQL(t, dbPath, trieblob.CurrentSchema)
			tf := openTrieFile(t, dbPath)

			id, err := tf.StoreTrieBlob(meta, bh(0), make([]byte, 40))
			require.NoError(t, err)
			_, err = tf.StoreTrieBlob(meta, bh(1), bytes.Repeat([]byte{0xbb}, 40))
			require.NoError(t, err)

			_, err = tf.GetNodeHashBytes(meta, id, trieblob.TriePtr{Ptr: 30})
			require.ErrorIs(t, err, io.ErrUnexpectedEOF)

			_, err = tf.ReadNodeTypeNoHash(meta, id, trieblob.TriePtr{ID: 1, Ptr: 30})
			require.ErrorIs(t, err, io.ErrUnexpectedEOF)

			h, err := tf.GetNodeHashBytes(meta, id, trieblob.TriePtr{Ptr: 8})
			require.NoError(t, err)
			require.Equal(t, trieblob.TrieHash{}, h)
		})
	}
}

func TestInlineBlockHasNoDiskTrie(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.CurrentSchema)
	tf := openTrieFile(t, dbPath)

	tt := makeTrie(t, 2)
	id, err := meta.WriteInlineTrieBlob(bh(0), tt.blob, true)
	require.NoError(t, err)

	_, err = tf.ReadTrieBlob(meta, id)
	require.ErrorIs(t, err, trieblob.ErrNotFound)

	_, err = tf.GetNodeHashBytes(meta, id, tt.ptr(0))
	require.ErrorIs(t, err, trieblob.ErrNotFound)
}
