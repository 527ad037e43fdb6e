package triefile

import (
	"errors"
	"os"

	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/blobcomp"
	"github.com/lotus-web3/trieblob/blobfile"
)

var (
	ErrNotDiskBacked = xerrors.New("trie blobs are not disk backed")
	ErrNotExported   = xerrors.New("trie blobs are still inline, export them first")
)

const compressedExt = ".v3"

func checkPartial(meta trieblob.MetaStore, v trieblob.SchemaVersion) error {
	partial, err := meta.DetectPartialMigration(v)
	if err != nil {
		return xerrors.Errorf("checking for partial migration: %w", err)
	}
	if partial {
		log.Errorw("partial migration detected", "version", v)
		return trieblob.Fatal(xerrors.Errorf("migration to v%d: %w", v, trieblob.ErrPartialMigration))
	}
	return nil
}

// ExportTrieBlobs moves confirmed tries stored inline in the metadata db to
// the end of the blob file (v1 -> v2). A no-op once the store is at v2 or
// later; an interrupted earlier run is a fatal error.
func (tf *TrieFile) ExportTrieBlobs(meta trieblob.MetaStore, dbPath string) error {
	if err := checkPartial(meta, trieblob.SchemaV2); err != nil {
		return err
	}

	v, err := meta.MigratedVersion()
	if err != nil {
		return xerrors.Errorf("getting schema version: %w", err)
	}
	if v >= trieblob.SchemaV2 {
		log.Debugw("trie blobs already external", "version", v)
		return nil
	}

	if tf.readonly {
		return blobfile.ErrReadOnly
	}

	if err := meta.BeginMigration(trieblob.SchemaV2); err != nil {
		return err
	}

	highest, err := meta.CountBlocks()
	if err != nil {
		return err
	}

	log.Infow("exporting trie blobs", "blocks", uint64(highest)+1, "to", tf.path)

	var exported, skipped int
	var bytesIn, bytesOut uint64
	for i := uint64(0); i <= uint64(highest); i++ {
		id := trieblob.BlockID(i)

		unconfirmed, err := meta.IsUnconfirmedBlock(id)
		if errors.Is(err, trieblob.ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return xerrors.Errorf("export block %d: %w", id, err)
		}
		if unconfirmed {
			skipped++
			continue
		}

		data, err := meta.ReadInlineTrieBlob(id)
		if err != nil {
			return xerrors.Errorf("export block %d: %w", id, err)
		}
		bhh, err := meta.GetBlockHash(id)
		if err != nil {
			return xerrors.Errorf("export block %d: %w", id, err)
		}

		stored, comp := tf.encode(data)
		off, err := appendAtEnd(tf.blobs, stored)
		if err != nil {
			return xerrors.Errorf("export block %d: %w", id, err)
		}
		if err := tf.blobs.Flush(); err != nil {
			return xerrors.Errorf("export block %d: flush: %w", id, err)
		}
		if err := tf.blobs.Sync(); err != nil {
			return xerrors.Errorf("export block %d: sync: %w", id, err)
		}

		et := trieblob.ExternalTrie{
			BlockID:     id,
			Location:    trieblob.BlobLocation{Offset: off, Length: uint64(len(stored))},
			Compression: trieblob.CompressionNone,
		}
		if comp != nil {
			et.Compression = comp.Algorithm
		}
		if err := meta.UpdateExternalTrieBlob(bhh, et.Location, et.Compression, id); err != nil {
			return xerrors.Errorf("export block %d: %w", id, err)
		}
		tf.offsets[id] = et

		exported++
		bytesIn += uint64(len(data))
		bytesOut += uint64(len(stored))
	}

	log.Infow("exported trie blobs", "exported", exported, "skipped", skipped, "bytes", bytesIn, "stored", bytesOut)

	tf.vacuumMeta(meta, dbPath)

	if err := meta.SetMigrated(trieblob.SchemaV2); err != nil {
		return err
	}
	return nil
}

// CompressTrieBlobs rewrites the blob file with every blob lz4 compressed
// (v2 -> v3). Blobs move to a fresh file which then replaces the old one.
// Disk only.
func (tf *TrieFile) CompressTrieBlobs(meta trieblob.MetaStore) error {
	if tf.isMemory() {
		return ErrNotDiskBacked
	}

	if err := checkPartial(meta, trieblob.SchemaV3); err != nil {
		return err
	}

	v, err := meta.MigratedVersion()
	if err != nil {
		return xerrors.Errorf("getting schema version: %w", err)
	}
	if v >= trieblob.SchemaV3 {
		log.Debugw("trie blobs already compressed", "version", v)
		return nil
	}
	if v < trieblob.SchemaV2 {
		return xerrors.Errorf("compress at v%d: %w", v, ErrNotExported)
	}

	pending, err := meta.GetUncompressedExternalTrieBlobs(tf.compressBatch)
	if err != nil {
		return xerrors.Errorf("listing uncompressed blobs: %w", err)
	}
	if len(pending) == 0 {
		log.Infow("no uncompressed trie blobs")
		return meta.SetMigrated(trieblob.SchemaV3)
	}

	if tf.readonly {
		return blobfile.ErrReadOnly
	}

	// blobs stored compressed since the export have to move over too
	all, err := meta.ListConfirmedExternalTries()
	if err != nil {
		return xerrors.Errorf("listing stored blobs: %w", err)
	}
	var carry []trieblob.ExternalTrie
	for _, et := range all {
		if et.Compression == trieblob.CompressionLZ4 {
			carry = append(carry, et)
		}
	}

	if err := meta.BeginMigration(trieblob.SchemaV3); err != nil {
		return err
	}

	newPath := tf.path + compressedExt
	nf, err := blobfile.CreateDisk(newPath)
	if err != nil {
		return xerrors.Errorf("creating compressed blob file: %w", err)
	}

	var moved int
	var bytesIn, bytesOut uint64

	for len(pending) > 0 {
		n, in, out, err := tf.moveBlobs(meta, nf, pending, true)
		if err != nil {
			_ = nf.Close()
			return err
		}
		moved += n
		bytesIn += in
		bytesOut += out

		log.Infow("compressed trie blob batch", "blobs", moved, "bytes", bytesIn, "stored", bytesOut)

		pending, err = meta.GetUncompressedExternalTrieBlobs(tf.compressBatch)
		if err != nil {
			_ = nf.Close()
			return xerrors.Errorf("listing uncompressed blobs: %w", err)
		}
	}

	if len(carry) > 0 {
		n, _, _, err := tf.moveBlobs(meta, nf, carry, false)
		if err != nil {
			_ = nf.Close()
			return err
		}
		log.Infow("moved already compressed trie blobs", "blobs", n)
	}

	if err := nf.Sync(); err != nil {
		_ = nf.Close()
		return xerrors.Errorf("syncing compressed blob file: %w", err)
	}
	if err := nf.Close(); err != nil {
		return xerrors.Errorf("closing compressed blob file: %w", err)
	}

	if err := tf.swapBlobFile(newPath); err != nil {
		return err
	}

	log.Infow("compressed trie blobs", "blobs", moved, "bytes", bytesIn, "stored", bytesOut)

	return meta.SetMigrated(trieblob.SchemaV3)
}

// moveBlobs copies blobs from the current file to the end of dst, compressing
// them if compress is set. Locations are published only after dst is synced.
func (tf *TrieFile) moveBlobs(meta trieblob.MetaStore, dst blobfile.Backend, blobs []trieblob.ExternalTrie, compress bool) (n int, bytesIn, bytesOut uint64, err error) {
	type moved struct {
		id  trieblob.BlockID
		bhh trieblob.BlockHash
		loc trieblob.BlobLocation
	}
	done := make([]moved, 0, len(blobs))

	for _, et := range blobs {
		raw, err := readStored(tf.blobs, et.Location)
		if err != nil {
			return 0, 0, 0, xerrors.Errorf("moving block %d: %w", et.BlockID, err)
		}
		bhh, err := meta.GetBlockHash(et.BlockID)
		if err != nil {
			return 0, 0, 0, xerrors.Errorf("moving block %d: %w", et.BlockID, err)
		}

		stored := raw
		if compress {
			stored = blobcomp.Compress(raw)
		}

		off, err := appendAtEnd(dst, stored)
		if err != nil {
			return 0, 0, 0, xerrors.Errorf("moving block %d: %w", et.BlockID, err)
		}

		done = append(done, moved{
			id:  et.BlockID,
			bhh: bhh,
			loc: trieblob.BlobLocation{Offset: off, Length: uint64(len(stored))},
		})
		bytesIn += uint64(len(raw))
		bytesOut += uint64(len(stored))
	}

	if err := dst.Sync(); err != nil {
		return 0, 0, 0, xerrors.Errorf("syncing moved blobs: %w", err)
	}

	for _, m := range done {
		if err := meta.UpdateExternalTrieBlob(m.bhh, m.loc, trieblob.CompressionLZ4, m.id); err != nil {
			return 0, 0, 0, xerrors.Errorf("moving block %d: %w", m.id, err)
		}
	}

	return len(done), bytesIn, bytesOut, nil
}

// swapBlobFile replaces the open blob file with the one at newPath
func (tf *TrieFile) swapBlobFile(newPath string) error {
	if err := tf.blobs.Close(); err != nil {
		return xerrors.Errorf("closing old blob file: %w", err)
	}

	if err := os.Rename(newPath, tf.path); err != nil {
		return xerrors.Errorf("replacing blob file: %w", err)
	}

	d, err := blobfile.OpenDisk(tf.path, tf.readonly)
	if err != nil {
		return xerrors.Errorf("reopening blob file: %w", err)
	}
	tf.blobs = d

	// every location changed; decompressed contents did not
	tf.offsets = map[trieblob.BlockID]trieblob.ExternalTrie{}
	return nil
}
