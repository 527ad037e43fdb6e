// Package metatest holds the behaviour checks every trieblob.MetaStore
// implementation must pass.
package metatest

import (
	"testing"

	"github.com/stretchr/testify/require"

	trieblob "github.com/lotus-web3/trieblob"
)

// Opener returns a fresh, empty store created at the given schema version
type Opener func(t *testing.T, v trieblob.SchemaVersion) trieblob.MetaStore

func bh(b byte) trieblob.BlockHash {
	var out trieblob.BlockHash
	for i := range out {
		out[i] = b
	}
	return out
}

// Run runs all checks against stores produced by open
func Run(t *testing.T, open Opener) {
	t.Run("dense-ids", func(t *testing.T) { testDenseIDs(t, open) })
	t.Run("not-found", func(t *testing.T) { testNotFound(t, open) })
	t.Run("inline-to-external", func(t *testing.T) { testInlineToExternal(t, open) })
	t.Run("uncompressed-listing", func(t *testing.T) { testUncompressedListing(t, open) })
	t.Run("migration-markers", func(t *testing.T) { testMigrationMarkers(t, open) })
	t.Run("blobs-length", func(t *testing.T) { testBlobsLength(t, open) })
}

func testDenseIDs(t *testing.T, open Opener) {
	m := open(t, trieblob.SchemaV1)

	n, err := m.CountBlocks()
	require.NoError(t, err)
	require.Equal(t, uint32(0), n)

	for i := 0; i < 5; i++ {
		id, err := m.WriteInlineTrieBlob(bh(byte(i)), []byte{byte(i)}, false)
		require.NoError(t, err)
		require.Equal(t, trieblob.BlockID(i), id)
	}

	id, err := m.WriteExternalTrieBlob(bh(5), trieblob.BlobLocation{Offset: 0, Length: 3}, trieblob.CompressionNone)
	require.NoError(t, err)
	require.Equal(t, trieblob.BlockID(5), id)

	n, err = m.CountBlocks()
	require.NoError(t, err)
	require.Equal(t, uint32(5), n)

	got, err := m.GetBlockHash(3)
	require.NoError(t, err)
	require.Equal(t, bh(3), got)

	gid, err := m.GetBlockIdentifier(bh(4))
	require.NoError(t, err)
	require.Equal(t, trieblob.BlockID(4), gid)
}

func testNotFound(t *testing.T, open Opener) {
	m := open(t, trieblob.SchemaV1)

	_, err := m.IsUnconfirmedBlock(7)
	require.ErrorIs(t, err, trieblob.ErrNotFound)

	_, err = m.ReadInlineTrieBlob(7)
	require.ErrorIs(t, err, trieblob.ErrNotFound)

	_, err = m.GetExternalTrieOffsetLength(7)
	require.ErrorIs(t, err, trieblob.ErrNotFound)

	_, err = m.GetBlockHash(7)
	require.ErrorIs(t, err, trieblob.ErrNotFound)

	_, err = m.GetBlockIdentifier(bh(7))
	require.ErrorIs(t, err, trieblob.ErrNotFound)

	err = m.UpdateExternalTrieBlob(bh(7), trieblob.BlobLocation{Length: 1}, trieblob.CompressionNone, 7)
	require.ErrorIs(t, err, trieblob.ErrNotFound)
}

func testInlineToExternal(t *testing.T, open Opener) {
	m := open(t, trieblob.SchemaV1)

	id, err := m.WriteInlineTrieBlob(bh(1), []byte("trie bytes"), false)
	require.NoError(t, err)
	uid, err := m.WriteInlineTrieBlob(bh(2), []byte("pending"), true)
	require.NoError(t, err)

	unconfirmed, err := m.IsUnconfirmedBlock(id)
	require.NoError(t, err)
	require.False(t, unconfirmed)
	unconfirmed, err = m.IsUnconfirmedBlock(uid)
	require.NoError(t, err)
	require.True(t, unconfirmed)

	data, err := m.ReadInlineTrieBlob(id)
	require.NoError(t, err)
	require.Equal(t, []byte("trie bytes"), data)

	et, err := m.GetExternalTrieOffsetLength(id)
	require.NoError(t, err)
	require.Equal(t, uint64(0), et.Location.Length)

	loc := trieblob.BlobLocation{Offset: 100, Length: 10}
	require.NoError(t, m.UpdateExternalTrieBlob(bh(1), loc, trieblob.CompressionLZ4, id))

	data, err = m.ReadInlineTrieBlob(id)
	require.NoError(t, err)
	require.Empty(t, data)

	et, err = m.GetExternalTrieOffsetLength(id)
	require.NoError(t, err)
	require.Equal(t, trieblob.ExternalTrie{BlockID: id, Location: loc, Compression: trieblob.CompressionLZ4}, et)

	// unconfirmed blocks never show up in the external listings
	confirmed, err := m.ListConfirmedExternalTries()
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	require.Equal(t, id, confirmed[0].BlockID)
}

func testUncompressedListing(t *testing.T, open Opener) {
	m := open(t, trieblob.SchemaV2)

	var off uint64
	for i := 0; i < 6; i++ {
		c := trieblob.CompressionNone
		if i%3 == 0 {
			c = trieblob.CompressionLZ4
		}
		_, err := m.WriteExternalTrieBlob(bh(byte(i)), trieblob.BlobLocation{Offset: off, Length: 4}, c)
		require.NoError(t, err)
		off += 4
	}

	list, err := m.GetUncompressedExternalTrieBlobs(3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, trieblob.BlockID(1), list[0].BlockID)
	require.Equal(t, trieblob.BlockID(2), list[1].BlockID)
	require.Equal(t, trieblob.BlockID(4), list[2].BlockID)
	require.Equal(t, trieblob.BlobLocation{Offset: 16, Length: 4}, list[2].Location)

	list, err = m.GetUncompressedExternalTrieBlobs(100)
	require.NoError(t, err)
	require.Len(t, list, 4)

	require.NoError(t, m.UpdateExternalTrieBlob(bh(1), trieblob.BlobLocation{Offset: 0, Length: 2}, trieblob.CompressionLZ4, 1))
	list, err = m.GetUncompressedExternalTrieBlobs(100)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, trieblob.BlockID(2), list[0].BlockID)

	all, err := m.ListConfirmedExternalTries()
	require.NoError(t, err)
	require.Len(t, all, 6)
}

func testMigrationMarkers(t *testing.T, open Opener) {
	m := open(t, trieblob.SchemaV1)

	v, err := m.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.SchemaV1, v)

	partial, err := m.DetectPartialMigration(trieblob.SchemaV2)
	require.NoError(t, err)
	require.False(t, partial)

	require.NoError(t, m.BeginMigration(trieblob.SchemaV2))
	partial, err = m.DetectPartialMigration(trieblob.SchemaV2)
	require.NoError(t, err)
	require.True(t, partial)

	// other versions are unaffected
	partial, err = m.DetectPartialMigration(trieblob.SchemaV3)
	require.NoError(t, err)
	require.False(t, partial)

	require.NoError(t, m.SetMigrated(trieblob.SchemaV2))
	partial, err = m.DetectPartialMigration(trieblob.SchemaV2)
	require.NoError(t, err)
	require.False(t, partial)

	v, err = m.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.SchemaV2, v)

	// completing without beginning is allowed (nothing to migrate)
	require.NoError(t, m.SetMigrated(trieblob.SchemaV3))
	v, err = m.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.SchemaV3, v)

	fresh := open(t, trieblob.CurrentSchema)
	v, err = fresh.MigratedVersion()
	require.NoError(t, err)
	require.Equal(t, trieblob.CurrentSchema, v)
}

func testBlobsLength(t *testing.T, open Opener) {
	m := open(t, trieblob.SchemaV2)

	n, err := m.GetExternalBlobsLength()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	_, err = m.WriteExternalTrieBlob(bh(0), trieblob.BlobLocation{Offset: 0, Length: 10}, trieblob.CompressionNone)
	require.NoError(t, err)
	_, err = m.WriteExternalTrieBlob(bh(1), trieblob.BlobLocation{Offset: 10, Length: 5}, trieblob.CompressionNone)
	require.NoError(t, err)

	n, err = m.GetExternalBlobsLength()
	require.NoError(t, err)
	require.Equal(t, uint64(15), n)

	// relocating a blob further out moves the append point
	require.NoError(t, m.UpdateExternalTrieBlob(bh(0), trieblob.BlobLocation{Offset: 15, Length: 7}, trieblob.CompressionNone, 0))
	n, err = m.GetExternalBlobsLength()
	require.NoError(t, err)
	require.Equal(t, uint64(22), n)
}
