package triekv

import (
	"encoding/binary"
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
)

var log = logging.Logger("triekv")

/*

	Keys:
	- 'b/[u32BE blockID]' -> block record (below)
	- 'h/[block hash]' -> [u32BE blockID], latest block with the hash
	- 'm/next' -> [u32BE] next block id
	- 'm/end' -> [u64BE] end of the last placed external blob
	- 'm/version' -> [u32BE] schema version
	- 'g/[u32BE version]' -> [u8 completed] migration marker

	Block record:
	[hash: 32][unconfirmed: u8][offset: u64BE][length: u64BE][compression: u8][inline data...]

*/

var (
	keyNext    = []byte("m/next")
	keyEnd     = []byte("m/end")
	keyVersion = []byte("m/version")

	keySpaceStart = []byte{0x00}
	keySpaceEnd   = []byte{0xff}
)

const recordHeaderSize = trieblob.HashSize + 1 + 8 + 8 + 1

func blockKey(id trieblob.BlockID) []byte {
	k := make([]byte, 2+4)
	copy(k, "b/")
	binary.BigEndian.PutUint32(k[2:], id)
	return k
}

func hashKey(bhh trieblob.BlockHash) []byte {
	return append([]byte("h/"), bhh[:]...)
}

func migrationKey(v trieblob.SchemaVersion) []byte {
	k := make([]byte, 2+4)
	copy(k, "g/")
	binary.BigEndian.PutUint32(k[2:], uint32(v))
	return k
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

type record struct {
	hash        trieblob.BlockHash
	unconfirmed bool
	loc         trieblob.BlobLocation
	compression trieblob.Compression
	inline      []byte
}

func (r *record) marshal() []byte {
	out := make([]byte, recordHeaderSize, recordHeaderSize+len(r.inline))
	copy(out, r.hash[:])
	if r.unconfirmed {
		out[trieblob.HashSize] = 1
	}
	binary.BigEndian.PutUint64(out[trieblob.HashSize+1:], r.loc.Offset)
	binary.BigEndian.PutUint64(out[trieblob.HashSize+9:], r.loc.Length)
	out[trieblob.HashSize+17] = uint8(r.compression)
	return append(out, r.inline...)
}

func unmarshalRecord(b []byte) (*record, error) {
	if len(b) < recordHeaderSize {
		return nil, xerrors.Errorf("block record too short: %d bytes", len(b))
	}

	r := &record{
		unconfirmed: b[trieblob.HashSize] == 1,
		loc: trieblob.BlobLocation{
			Offset: binary.BigEndian.Uint64(b[trieblob.HashSize+1:]),
			Length: binary.BigEndian.Uint64(b[trieblob.HashSize+9:]),
		},
		compression: trieblob.Compression(b[trieblob.HashSize+17]),
		inline:      b[recordHeaderSize:],
	}
	copy(r.hash[:], b[:trieblob.HashSize])
	return r, nil
}

type options struct {
	version trieblob.SchemaVersion
}

type Option func(*options)

// WithSchemaVersion sets the version recorded in a fresh store. Existing
// stores keep their version.
func WithSchemaVersion(v trieblob.SchemaVersion) Option {
	return func(o *options) {
		o.version = v
	}
}

// MetaKV is a trieblob.MetaStore over an ordered KV Engine. Block ids are
// allocated from a counter, so writers must be serialized by the caller.
type MetaKV struct {
	eng Engine
}

var (
	_ trieblob.MetaStore = (*MetaKV)(nil)
	_ trieblob.Vacuumer  = (*MetaKV)(nil)
)

// New wraps eng. MetaKV owns the engine and closes it on Close.
func New(eng Engine, opts ...Option) (*MetaKV, error) {
	o := &options{
		version: trieblob.CurrentSchema,
	}
	for _, opt := range opts {
		opt(o)
	}

	_, err := eng.Get(keyVersion)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		b := new(Batch)
		b.Set(keyVersion, u32(uint32(o.version)))
		if err := eng.Write(b); err != nil {
			return nil, xerrors.Errorf("recording schema version: %w", err)
		}
		log.Debugw("created metadata store", "version", o.version)
	case err != nil:
		return nil, xerrors.Errorf("checking schema version: %w", err)
	}

	return &MetaKV{eng: eng}, nil
}

func (m *MetaKV) Close() error {
	return m.eng.Close()
}

func (m *MetaKV) getU32(key []byte, def uint32) (uint32, error) {
	v, err := m.eng.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, xerrors.Errorf("bad value length %d for key %q", len(v), key)
	}
	return binary.BigEndian.Uint32(v), nil
}

func (m *MetaKV) nextID() (uint32, error) {
	return m.getU32(keyNext, 0)
}

func (m *MetaKV) getRecord(id trieblob.BlockID) (*record, error) {
	v, err := m.eng.Get(blockKey(id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, trieblob.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("getting block %d: %w", id, err)
	}
	return unmarshalRecord(v)
}

func (m *MetaKV) insert(r *record) (trieblob.BlockID, error) {
	id, err := m.nextID()
	if err != nil {
		return 0, xerrors.Errorf("getting next block id: %w", err)
	}

	b := new(Batch)
	b.Set(blockKey(id), r.marshal())
	b.Set(hashKey(r.hash), u32(id))
	b.Set(keyNext, u32(id+1))
	if r.loc.Length > 0 {
		b.Set(keyEnd, u64(r.loc.Offset+r.loc.Length))
	}

	if err := m.eng.Write(b); err != nil {
		return 0, xerrors.Errorf("inserting block %d: %w", id, err)
	}
	return id, nil
}

func (m *MetaKV) WriteInlineTrieBlob(bhh trieblob.BlockHash, data []byte, unconfirmed bool) (trieblob.BlockID, error) {
	return m.insert(&record{
		hash:        bhh,
		unconfirmed: unconfirmed,
		inline:      data,
	})
}

func (m *MetaKV) ReadInlineTrieBlob(id trieblob.BlockID) ([]byte, error) {
	r, err := m.getRecord(id)
	if err != nil {
		return nil, xerrors.Errorf("inline trie blob %d: %w", id, err)
	}
	return r.inline, nil
}

func (m *MetaKV) WriteExternalTrieBlob(bhh trieblob.BlockHash, loc trieblob.BlobLocation, c trieblob.Compression) (trieblob.BlockID, error) {
	return m.insert(&record{
		hash:        bhh,
		loc:         loc,
		compression: c,
	})
}

func (m *MetaKV) UpdateExternalTrieBlob(bhh trieblob.BlockHash, loc trieblob.BlobLocation, c trieblob.Compression, id trieblob.BlockID) error {
	r, err := m.getRecord(id)
	if err != nil {
		return xerrors.Errorf("updating external trie blob %d: %w", id, err)
	}

	b := new(Batch)
	if r.hash != bhh {
		b.Set(hashKey(bhh), u32(id))
	}

	r.hash = bhh
	r.loc = loc
	r.compression = c
	r.inline = nil

	b.Set(blockKey(id), r.marshal())
	// blobs are only ever placed at the append point, so the end of the last
	// placed blob is the next append offset
	b.Set(keyEnd, u64(loc.Offset+loc.Length))

	if err := m.eng.Write(b); err != nil {
		return xerrors.Errorf("updating external trie blob %d: %w", id, err)
	}
	return nil
}

func (m *MetaKV) GetExternalTrieOffsetLength(id trieblob.BlockID) (trieblob.ExternalTrie, error) {
	r, err := m.getRecord(id)
	if err != nil {
		return trieblob.ExternalTrie{}, xerrors.Errorf("trie offset for block %d: %w", id, err)
	}
	return trieblob.ExternalTrie{
		BlockID:     id,
		Location:    r.loc,
		Compression: r.compression,
	}, nil
}

func (m *MetaKV) GetBlockHash(id trieblob.BlockID) (trieblob.BlockHash, error) {
	r, err := m.getRecord(id)
	if err != nil {
		return trieblob.BlockHash{}, xerrors.Errorf("block hash for %d: %w", id, err)
	}
	return r.hash, nil
}

func (m *MetaKV) GetBlockIdentifier(bhh trieblob.BlockHash) (trieblob.BlockID, error) {
	v, err := m.eng.Get(hashKey(bhh))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, xerrors.Errorf("block id for %s: %w", bhh, trieblob.ErrNotFound)
	}
	if err != nil {
		return 0, xerrors.Errorf("getting block id for %s: %w", bhh, err)
	}
	if len(v) != 4 {
		return 0, xerrors.Errorf("block id for %s has bad length %d", bhh, len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}

func (m *MetaKV) IsUnconfirmedBlock(id trieblob.BlockID) (bool, error) {
	r, err := m.getRecord(id)
	if errors.Is(err, trieblob.ErrNotFound) {
		return false, trieblob.ErrNotFound
	}
	if err != nil {
		return false, xerrors.Errorf("checking if %d is unconfirmed: %w", id, err)
	}
	return r.unconfirmed, nil
}

func (m *MetaKV) CountBlocks() (uint32, error) {
	next, err := m.nextID()
	if err != nil {
		return 0, xerrors.Errorf("counting blocks: %w", err)
	}
	if next == 0 {
		return 0, nil
	}
	return next - 1, nil
}

func (m *MetaKV) DetectPartialMigration(v trieblob.SchemaVersion) (bool, error) {
	val, err := m.eng.Get(migrationKey(v))
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("checking for partial migration to v%d: %w", v, err)
	}
	return len(val) == 1 && val[0] == 0, nil
}

func (m *MetaKV) BeginMigration(v trieblob.SchemaVersion) error {
	b := new(Batch)
	b.Set(migrationKey(v), []byte{0})
	if err := m.eng.Write(b); err != nil {
		return xerrors.Errorf("marking migration to v%d started: %w", v, err)
	}
	return nil
}

func (m *MetaKV) SetMigrated(v trieblob.SchemaVersion) error {
	b := new(Batch)
	b.Set(migrationKey(v), []byte{1})
	b.Set(keyVersion, u32(uint32(v)))
	if err := m.eng.Write(b); err != nil {
		return xerrors.Errorf("marking migration to v%d completed: %w", v, err)
	}
	return nil
}

func (m *MetaKV) MigratedVersion() (trieblob.SchemaVersion, error) {
	v, err := m.getU32(keyVersion, uint32(trieblob.SchemaV1))
	if err != nil {
		return 0, xerrors.Errorf("getting schema version: %w", err)
	}
	return trieblob.SchemaVersion(v), nil
}

// listExternal walks block ids in order. Ids are dense, so point lookups
// cover the whole table.
func (m *MetaKV) listExternal(limit int, match func(*record) bool) ([]trieblob.ExternalTrie, error) {
	next, err := m.nextID()
	if err != nil {
		return nil, xerrors.Errorf("listing external tries: %w", err)
	}

	var out []trieblob.ExternalTrie
	for id := uint32(0); id < next; id++ {
		if limit >= 0 && len(out) >= limit {
			break
		}

		r, err := m.getRecord(id)
		if errors.Is(err, trieblob.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, xerrors.Errorf("listing external tries: %w", err)
		}
		if r.unconfirmed || r.loc.Length == 0 || !match(r) {
			continue
		}

		out = append(out, trieblob.ExternalTrie{
			BlockID:     id,
			Location:    r.loc,
			Compression: r.compression,
		})
	}
	return out, nil
}

func (m *MetaKV) GetUncompressedExternalTrieBlobs(limit int) ([]trieblob.ExternalTrie, error) {
	return m.listExternal(limit, func(r *record) bool {
		return r.compression == trieblob.CompressionNone
	})
}

func (m *MetaKV) ListConfirmedExternalTries() ([]trieblob.ExternalTrie, error) {
	return m.listExternal(-1, func(*record) bool { return true })
}

func (m *MetaKV) GetExternalBlobsLength() (uint64, error) {
	v, err := m.eng.Get(keyEnd)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Errorf("getting external blobs length: %w", err)
	}
	if len(v) != 8 {
		return 0, xerrors.Errorf("external blobs length has bad length %d", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// Vacuum compacts the engine, dropping inline blobs overwritten by export
func (m *MetaKV) Vacuum() error {
	if err := m.eng.Compact(); err != nil {
		return xerrors.Errorf("vacuum: %w", err)
	}
	return nil
}
