package triefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	trieblob "github.com/lotus-web3/trieblob"
)

// v1Store fills meta with inline tries, block 3 unconfirmed
func v1Store(t *testing.T, meta trieblob.MetaStore) []*testTrie {
	tries := make([]*testTrie, 6)
	for i := range tries {
		tries[i] = makeTrie(t, 5)
		id, err := meta.WriteInlineTrieBlob(bh(i), tries[i].blob, i == 3)
		require.NoError(t, err)
		require.Equal(t, trieblob.BlockID(i), id)
	}
	return tries
}

func TestExport(t *testing.T) {
	for bname, newPath := range backends {
		for mname, open := range metaStores {
			newPath, open := newPath, open
			t.Run(bname+"/"+mname, func(t *testing.T) {
				dbPath := newPath(t)
				meta := open(t, dbPath, trieblob.SchemaV1)
				tries := v1Store(t, meta)

				tf := openTrieFile(t, dbPath)
				require.NoError(t, tf.ExportTrieBlobs(meta, dbPath))

				v, err := meta.MigratedVersion()
				require.NoError(t, err)
				require.Equal(t, trieblob.SchemaV2, v)

				partial, err := meta.DetectPartialMigration(trieblob.SchemaV2)
				require.NoError(t, err)
				require.False(t, partial)

				exported, err := meta.ListConfirmedExternalTries()
				require.NoError(t, err)
				require.Len(t, exported, 5)
				require.Equal(t, storedBytes(t, meta), blobSize(t, tf))

				wantCompression := trieblob.CompressionLZ4
				if bname == "memory" {
					wantCompression = trieblob.CompressionNone
				}

				for i, tt := range tries {
					id := trieblob.BlockID(i)
					inline, err := meta.ReadInlineTrieBlob(id)
					require.NoError(t, err)

					et, err := meta.GetExternalTrieOffsetLength(id)
					require.NoError(t, err)

					if i == 3 {
						// unconfirmed tries stay inline
						require.Equal(t, tt.blob, inline)
						require.Equal(t, uint64(0), et.Location.Length)
						continue
					}

					require.Empty(t, inline)
					require.Equal(t, wantCompression, et.Compression)
					checkTrie(t, tf, meta, id, tt)
				}

				end, err := meta.GetExternalBlobsLength()
				require.NoError(t, err)
				require.Equal(t, blobSize(t, tf), int64(end))

				// new tries go after the exported ones
				tt := makeTrie(t, 2)
				id, err := tf.StoreTrieBlob(meta, bh(100), tt.blob)
				require.NoError(t, err)
				require.Equal(t, trieblob.BlockID(6), id)
				checkTrie(t, tf, meta, id, tt)
				checkTrie(t, tf, meta, 0, tries[0])
			})
		}
	}
}

func TestExportIdempotent(t *testing.T) {
	for bname, newPath := range backends {
		newPath := newPath
		t.Run(bname, func(t *testing.T) {
			dbPath := newPath(t)
			meta := openSQL(t, dbPath, trieblob.SchemaV1)
			v1Store(t, meta)

			tf := openTrieFile(t, dbPath)
			require.NoError(t, tf.ExportTrieBlobs(meta, dbPath))

			size := blobSize(t, tf)
			before, err := meta.ListConfirmedExternalTries()
			require.NoError(t, err)

			require.NoError(t, tf.ExportTrieBlobs(meta, dbPath))

			require.Equal(t, size, blobSize(t, tf))
			after, err := meta.ListConfirmedExternalTries()
			require.NoError(t, err)
			require.Equal(t, before, after)
		})
	}
}

func TestExportEmpty(t *testing.T) {
	meta := openSQL(t, trieblob.MemoryPath, trieblob.SchemaV1)
	tf := openTrieFile(t, trieblob.MemoryPath)

	require.NoError(t, tf.ExportTrieBlobs(meta, trieblob.MemoryPath))
	require.Equal(t, int64(0), blobSize(t, tf))

	v, err := meta.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.SchemaV2, v)
}

func TestPartialMigrationIsFatal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")

	meta := openSQL(t, dbPath, trieblob.SchemaV1)
	v1Store(t, meta)
	require.NoError(t, meta.BeginMigration(trieblob.SchemaV2))

	tf := openTrieFile(t, dbPath)
	err := tf.ExportTrieBlobs(meta, dbPath)
	require.Error(t, err)
	require.True(t, trieblob.IsFatal(err))
	require.ErrorIs(t, err, trieblob.ErrPartialMigration)

	// nothing was touched
	require.Equal(t, int64(0), blobSize(t, tf))
	data, err := meta.ReadInlineTrieBlob(0)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.NoError(t, meta.SetMigrated(trieblob.SchemaV2))
	require.NoError(t, meta.BeginMigration(trieblob.SchemaV3))

	err = tf.CompressTrieBlobs(meta)
	require.Error(t, err)
	require.True(t, trieblob.IsFatal(err))
	require.ErrorIs(t, err, trieblob.ErrPartialMigration)
}

// v2Store writes uncompressed blobs the way a pre-compression writer left
// them, plus one blob stored compressed
func v2Store(t *testing.T, tf *TrieFile, meta trieblob.MetaStore, n int) []*testTrie {
	tries := make([]*testTrie, n+1)
	for i := 0; i < n; i++ {
		tries[i] = makeTrie(t, 4)

		off, err := meta.GetExternalBlobsLength()
		require.NoError(t, err)
		require.NoError(t, writeAt(tf.blobs, off, tries[i].blob))

		loc := trieblob.BlobLocation{Offset: off, Length: uint64(len(tries[i].blob))}
		id, err := meta.WriteExternalTrieBlob(bh(i), loc, trieblob.CompressionNone)
		require.NoError(t, err)
		require.Equal(t, trieblob.BlockID(i), id)
	}

	tries[n] = makeTrie(t, 3)
	id, err := tf.StoreTrieBlob(meta, bh(n), tries[n].blob)
	require.NoError(t, err)
	require.Equal(t, trieblob.BlockID(n), id)

	return tries
}

func TestCompress(t *testing.T) {
	for mname, open := range metaStores {
		open := open
		t.Run(mname, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "index.db")
			meta := open(t, dbPath, trieblob.SchemaV2)

			tf := openTrieFile(t, dbPath, WithCompressBatchSize(2))
			tries := v2Store(t, tf, meta, 5)

			// warm the location cache, compress has to invalidate it
			for i, tt := range tries {
				checkTrie(t, tf, meta, trieblob.BlockID(i), tt)
			}
			sizeBefore := blobSize(t, tf)

			require.NoError(t, tf.CompressTrieBlobs(meta))

			v, err := meta.MigratedVersion()
			require.NoError(t, err)
			require.Equal(t, trieblob.SchemaV3, v)

			partial, err := meta.DetectPartialMigration(trieblob.SchemaV3)
			require.NoError(t, err)
			require.False(t, partial)

			left, err := meta.GetUncompressedExternalTrieBlobs(100)
			require.NoError(t, err)
			require.Empty(t, left)

			all, err := meta.ListConfirmedExternalTries()
			require.NoError(t, err)
			require.Len(t, all, len(tries))
			for _, et := range all {
				require.Equal(t, trieblob.CompressionLZ4, et.Compression)
			}

			_, err = os.Stat(tf.GetPath() + compressedExt)
			require.True(t, os.IsNotExist(err))

			size := blobSize(t, tf)
			require.Equal(t, storedBytes(t, meta), size)
			require.Less(t, size, sizeBefore+int64(len(tries))*64)

			end, err := meta.GetExternalBlobsLength()
			require.NoError(t, err)
			require.Equal(t, size, int64(end))

			for i, tt := range tries {
				checkTrie(t, tf, meta, trieblob.BlockID(i), tt)
			}

			cold := openTrieFile(t, dbPath)
			for i, tt := range tries {
				checkTrie(t, cold, meta, trieblob.BlockID(i), tt)
			}

			// stores after the swap land at the end of the new file
			tt := makeTrie(t, 2)
			id, err := tf.StoreTrieBlob(meta, bh(50), tt.blob)
			require.NoError(t, err)
			loc, err := tf.GetTrieOffset(meta, id)
			require.NoError(t, err)
			require.Equal(t, uint64(size), loc.Offset)
			checkTrie(t, tf, meta, id, tt)

			// second run is a no-op
			size = blobSize(t, tf)
			before, err := meta.ListConfirmedExternalTries()
			require.NoError(t, err)

			require.NoError(t, tf.CompressTrieBlobs(meta))

			require.Equal(t, size, blobSize(t, tf))
			after, err := meta.ListConfirmedExternalTries()
			require.NoError(t, err)
			require.Equal(t, before, after)
		})
	}
}

func TestCompressNothingPending(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.SchemaV2)
	tf := openTrieFile(t, dbPath)

	tt := makeTrie(t, 3)
	id, err := tf.StoreTrieBlob(meta, bh(0), tt.blob)
	require.NoError(t, err)
	size := blobSize(t, tf)

	require.NoError(t, tf.CompressTrieBlobs(meta))

	v, err := meta.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.SchemaV3, v)
	require.Equal(t, size, blobSize(t, tf))
	checkTrie(t, tf, meta, id, tt)
}

func TestCompressRequiresExport(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.SchemaV1)
	tries := v1Store(t, meta)

	tf := openTrieFile(t, dbPath)
	require.ErrorIs(t, tf.CompressTrieBlobs(meta), ErrNotExported)

	v, err := meta.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.SchemaV1, v)

	partial, err := meta.DetectPartialMigration(trieblob.SchemaV3)
	require.NoError(t, err)
	require.False(t, partial)
	require.Equal(t, int64(0), blobSize(t, tf))

	// the refused compress left the store exportable
	require.NoError(t, tf.ExportTrieBlobs(meta, dbPath))
	exported, err := meta.ListConfirmedExternalTries()
	require.NoError(t, err)
	require.Len(t, exported, 5)

	require.NoError(t, tf.CompressTrieBlobs(meta))
	for i, tt := range tries {
		if i == 3 {
			continue
		}
		checkTrie(t, tf, meta, trieblob.BlockID(i), tt)
	}
}

func TestCompressMemory(t *testing.T) {
	meta := openSQL(t, trieblob.MemoryPath, trieblob.SchemaV2)
	tf := openTrieFile(t, trieblob.MemoryPath)

	require.ErrorIs(t, tf.CompressTrieBlobs(meta), ErrNotDiskBacked)
}

func TestExportThenCompress(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	meta := openSQL(t, dbPath, trieblob.SchemaV1)
	tries := v1Store(t, meta)

	tf := openTrieFile(t, dbPath)
	require.NoError(t, tf.ExportTrieBlobs(meta, dbPath))
	require.NoError(t, tf.CompressTrieBlobs(meta))

	v, err := meta.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.SchemaV3, v)

	for i, tt := range tries {
		if i == 3 {
			continue
		}
		checkTrie(t, tf, meta, trieblob.BlockID(i), tt)
	}
}

func TestOverrideEnv(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv(envSqliteTmpDir, "")
		t.Setenv(envTmpDir, "/prev/tmp")
		require.NoError(t, os.Unsetenv(envSqliteTmpDir))

		restore := overrideEnv("/blobs")
		require.Equal(t, "/blobs", os.Getenv(envSqliteTmpDir))
		require.Equal(t, "/blobs", os.Getenv(envTmpDir))
		restore()

		_, ok := os.LookupEnv(envSqliteTmpDir)
		require.False(t, ok)
		require.Equal(t, "/prev/tmp", os.Getenv(envTmpDir))
	})

	t.Run("set", func(t *testing.T) {
		t.Setenv(envSqliteTmpDir, "/mine")
		t.Setenv(envTmpDir, "")
		require.NoError(t, os.Unsetenv(envTmpDir))

		restore := overrideEnv("/blobs")
		require.Equal(t, "/mine", os.Getenv(envSqliteTmpDir))
		require.Equal(t, "/blobs", os.Getenv(envTmpDir))
		restore()

		require.Equal(t, "/mine", os.Getenv(envSqliteTmpDir))
		_, ok := os.LookupEnv(envTmpDir)
		require.False(t, ok)
	})
}
