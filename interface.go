package trieblob

import (
	"encoding/hex"
	"io"
)

// BlockID is the dense handle the metadata store assigns to a stored trie
type BlockID = uint32

// NodeID is the tag of a trie node record
type NodeID = uint8

const (
	HashSize = 32

	// MemoryPath selects the in-memory blob backend
	MemoryPath = ":memory:"

	// BlobsExt is appended to the metadata db path to get the blob file path
	BlobsExt = ".blobs"
)

// HeaderIndicator is reserved. Nothing writes or checks it.
var HeaderIndicator = [3]byte{255, 255, 1}

type TrieHash [HashSize]byte

func (h TrieHash) String() string {
	return hex.EncodeToString(h[:])
}

type BlockHash [HashSize]byte

func (h BlockHash) String() string {
	return hex.EncodeToString(h[:])
}

// BlobLocation is the byte range of a stored trie blob inside a backend.
// Length is the stored (possibly compressed) size.
type BlobLocation struct {
	Offset uint64
	Length uint64
}

type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ExternalTrie is a metadata record pointing at a blob in the external file
type ExternalTrie struct {
	BlockID     BlockID
	Location    BlobLocation
	Compression Compression
}

// TriePtr references a node inside one trie's decompressed bytes. Meaningless
// across tries.
type TriePtr struct {
	ID  NodeID
	Ptr uint32
}

// SchemaVersion tracks the trie storage representation
type SchemaVersion int

const (
	// SchemaV1 - trie bytes stored inline in the metadata db
	SchemaV1 SchemaVersion = 1
	// SchemaV2 - trie bytes in the external file, uncompressed
	SchemaV2 SchemaVersion = 2
	// SchemaV3 - trie bytes in the external file, lz4 compressed
	SchemaV3 SchemaVersion = 3

	CurrentSchema = SchemaV3
)

// MetaStore maps block ids to block hashes, blob locations and confirmation
// status. Implementations are NOT thread safe for migration purposes; callers
// must hold exclusive access while migrating.
type MetaStore interface {
	// WriteInlineTrieBlob records a trie stored inline (v1 representation)
	WriteInlineTrieBlob(bhh BlockHash, data []byte, unconfirmed bool) (BlockID, error)
	ReadInlineTrieBlob(id BlockID) ([]byte, error)

	// WriteExternalTrieBlob registers a freshly appended blob and assigns it an id
	WriteExternalTrieBlob(bhh BlockHash, loc BlobLocation, c Compression) (BlockID, error)
	// UpdateExternalTrieBlob replaces the location of an existing block, dropping
	// any inline bytes
	UpdateExternalTrieBlob(bhh BlockHash, loc BlobLocation, c Compression, id BlockID) error
	GetExternalTrieOffsetLength(id BlockID) (ExternalTrie, error)

	GetBlockHash(id BlockID) (BlockHash, error)
	GetBlockIdentifier(bhh BlockHash) (BlockID, error)

	// IsUnconfirmedBlock returns ErrNotFound if id is not a block
	IsUnconfirmedBlock(id BlockID) (bool, error)

	// CountBlocks returns the highest assigned block id, 0 when empty
	CountBlocks() (uint32, error)

	DetectPartialMigration(v SchemaVersion) (bool, error)
	BeginMigration(v SchemaVersion) error
	SetMigrated(v SchemaVersion) error
	MigratedVersion() (SchemaVersion, error)

	// GetUncompressedExternalTrieBlobs lists up to limit confirmed external
	// blobs stored without compression, in block id order
	GetUncompressedExternalTrieBlobs(limit int) ([]ExternalTrie, error)
	ListConfirmedExternalTries() ([]ExternalTrie, error)

	// GetExternalBlobsLength returns the next append offset
	GetExternalBlobsLength() (uint64, error)

	io.Closer
}

// Vacuumer is implemented by metadata stores which can reclaim space freed by
// moving inline blobs out
type Vacuumer interface {
	Vacuum() error
}

// TrieNode is a decoded node record
type TrieNode interface {
	NodeID() NodeID
}

// NodeCodec decodes node records from a trie byte stream positioned at the
// start of a record
type NodeCodec interface {
	// ReadHashBytes reads only the node hash
	ReadHashBytes(r io.Reader) (TrieHash, error)
	ReadNodeType(r io.Reader, id NodeID) (TrieNode, TrieHash, error)
	ReadNodeTypeNoHash(r io.Reader, id NodeID) (TrieNode, error)
}
