package blobcomp

import (
	"encoding/binary"
	"math"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
)

// Framing of one compressed blob:
//
//	[u32 LE uncompressed length][lz4 block payload]
const PrefixSize = 4

// lz4 can't expand a block by more than ~255x
const maxExpansion = 255

func Compress(buf []byte) []byte {
	if uint64(len(buf)) > math.MaxUint32 {
		// tries are nowhere near this big, a larger blob is a caller bug
		panic("trie blob too large to frame")
	}

	out := make([]byte, PrefixSize+lz4.CompressBlockBound(len(buf)))
	binary.LittleEndian.PutUint32(out, uint32(len(buf)))

	// dst is sized to the bound, so the block is always emitted
	n, err := lz4.CompressBlock(buf, out[PrefixSize:], nil)
	if err != nil {
		panic(xerrors.Errorf("lz4 compress with bounded buffer: %w", err))
	}

	return out[:PrefixSize+n]
}

// UncompressedSize reads the length prefix only
func UncompressedSize(framed []byte) (uint32, error) {
	if len(framed) < PrefixSize {
		return 0, trieblob.Fatal(xerrors.Errorf("framed blob shorter than size prefix (%d bytes): %w", len(framed), trieblob.ErrCorruptPayload))
	}
	return binary.LittleEndian.Uint32(framed), nil
}

// Decompress inflates a framed blob. Any failure is in the fatal category.
func Decompress(framed []byte) ([]byte, error) {
	size, err := UncompressedSize(framed)
	if err != nil {
		return nil, err
	}
	payload := framed[PrefixSize:]

	if size == 0 {
		return []byte{}, nil
	}

	if uint64(size) > uint64(len(payload))*maxExpansion+16 {
		return nil, trieblob.Fatal(xerrors.Errorf("implausible uncompressed size %d for %d byte payload: %w", size, len(payload), trieblob.ErrCorruptPayload))
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, trieblob.Fatal(xerrors.Errorf("lz4 uncompress: %v: %w", err, trieblob.ErrCorruptPayload))
	}
	if n != int(size) {
		return nil, trieblob.Fatal(xerrors.Errorf("uncompressed %d bytes, prefix says %d: %w", n, size, trieblob.ErrCorruptPayload))
	}

	return out, nil
}

// Result describes one compressed blob
type Result struct {
	Bytes     []byte
	Size      int
	Algorithm trieblob.Compression
}

func CompressBlob(buf []byte) *Result {
	c := Compress(buf)
	return &Result{
		Bytes:     c,
		Size:      len(c),
		Algorithm: trieblob.CompressionLZ4,
	}
}

// Decode returns the trie bytes for stored bytes tagged with c
func Decode(stored []byte, c trieblob.Compression) ([]byte, error) {
	switch c {
	case trieblob.CompressionNone:
		return stored, nil
	case trieblob.CompressionLZ4:
		return Decompress(stored)
	default:
		return nil, trieblob.Fatal(xerrors.Errorf("unknown compression tag %d: %w", c, trieblob.ErrCorruptPayload))
	}
}
