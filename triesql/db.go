package triesql

import (
	"database/sql"
	"errors"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
)

var log = logging.Logger("triesql")

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA mmap_size = 30000000000",
	"PRAGMA page_size = 32768",
	"PRAGMA journal_mode = WAL",
	"PRAGMA read_uncommitted = ON",
	"PRAGMA busy_timeout = 50000",
}

const dbSchema = `

/* tries */

create table if not exists marf_data
(
    block_id        integer not null
        constraint marf_data_pk
            primary key,
    block_hash      blob not null,

    /* inline trie bytes (v1), emptied once the trie moves to the blob file */
    data            blob not null,

    unconfirmed     integer not null,

    /* external blob location (v2+) */
    external_offset integer not null default 0,
    external_length integer not null default 0,

    /* 0 - none, 1 - lz4 */
    compression     integer not null default 0
);

create index if not exists marf_data_block_hash_index
    on marf_data (block_hash);

create index if not exists marf_data_unconfirmed_index
    on marf_data (unconfirmed);

/* schema / migrations */

create table if not exists schema_version
(
    version integer not null
);

create table if not exists migrations
(
    version   integer not null
        constraint migrations_pk
            primary key,
    completed integer not null default 0
);
`

type openOptions struct {
	db      *RetryDB
	version trieblob.SchemaVersion
}

type OpenOption func(*openOptions)

// WithDB uses an already open database instead of opening path
func WithDB(db *RetryDB) OpenOption {
	return func(o *openOptions) {
		o.db = db
	}
}

// WithSchemaVersion sets the version recorded in a freshly created database.
// Existing databases keep their version.
func WithSchemaVersion(v trieblob.SchemaVersion) OpenOption {
	return func(o *openOptions) {
		o.version = v
	}
}

// MetaDB is the sqlite backed trieblob.MetaStore
type MetaDB struct {
	db   *RetryDB
	path string
}

var (
	_ trieblob.MetaStore = (*MetaDB)(nil)
	_ trieblob.Vacuumer  = (*MetaDB)(nil)
)

// Open opens (creating if needed) the metadata db at path. ":memory:" gives a
// private in-memory db.
func Open(path string, opts ...OpenOption) (*MetaDB, error) {
	opt := &openOptions{
		version: trieblob.CurrentSchema,
	}
	for _, o := range opts {
		o(opt)
	}

	db := opt.db
	if db == nil {
		sdb, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, xerrors.Errorf("open db: %w", err)
		}
		// one connection: in-memory dbs are per-connection, and we're single
		// writer anyway
		sdb.SetMaxOpenConns(1)
		db = NewRetryDB(sdb)
	}

	for _, pragma := range pragmas {
		_, err := db.Exec(pragma)
		if err != nil {
			return nil, xerrors.Errorf("exec pragma: %w", err)
		}
	}

	_, err := db.Exec(dbSchema)
	if err != nil {
		return nil, xerrors.Errorf("exec schema: %w", err)
	}

	var versions int
	if err := db.QueryRow("select count(*) from schema_version").Scan(&versions); err != nil {
		return nil, xerrors.Errorf("checking schema version: %w", err)
	}
	if versions == 0 {
		if _, err := db.Exec("insert into schema_version (version) values (?)", opt.version); err != nil {
			return nil, xerrors.Errorf("recording schema version: %w", err)
		}
		log.Debugw("created metadata db", "path", path, "version", opt.version)
	}

	return &MetaDB{
		db:   db,
		path: path,
	}, nil
}

func (m *MetaDB) Path() string {
	return m.path
}

func (m *MetaDB) Close() error {
	return m.db.Close()
}

func (m *MetaDB) WriteInlineTrieBlob(bhh trieblob.BlockHash, data []byte, unconfirmed bool) (id trieblob.BlockID, err error) {
	if data == nil {
		data = []byte{}
	}
	err = m.db.QueryRow(`insert into marf_data (block_id, block_hash, data, unconfirmed)
		values ((select ifnull(max(block_id) + 1, 0) from marf_data), ?, ?, ?) returning block_id`,
		bhh[:], data, unconfirmed).Scan(&id)
	if err != nil {
		return 0, xerrors.Errorf("inserting inline trie blob: %w", err)
	}
	return id, nil
}

func (m *MetaDB) ReadInlineTrieBlob(id trieblob.BlockID) ([]byte, error) {
	var data []byte
	err := m.db.QueryRow("select data from marf_data where block_id = ?", id).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, xerrors.Errorf("inline trie blob %d: %w", id, trieblob.ErrNotFound)
	case err != nil:
		return nil, xerrors.Errorf("reading inline trie blob %d: %w", id, err)
	}
	return data, nil
}

func (m *MetaDB) WriteExternalTrieBlob(bhh trieblob.BlockHash, loc trieblob.BlobLocation, c trieblob.Compression) (id trieblob.BlockID, err error) {
	err = m.db.QueryRow(`insert into marf_data (block_id, block_hash, data, unconfirmed, external_offset, external_length, compression)
		values ((select ifnull(max(block_id) + 1, 0) from marf_data), ?, x'', 0, ?, ?, ?) returning block_id`,
		bhh[:], int64(loc.Offset), int64(loc.Length), uint8(c)).Scan(&id)
	if err != nil {
		return 0, xerrors.Errorf("inserting external trie blob: %w", err)
	}
	return id, nil
}

func (m *MetaDB) UpdateExternalTrieBlob(bhh trieblob.BlockHash, loc trieblob.BlobLocation, c trieblob.Compression, id trieblob.BlockID) error {
	res, err := m.db.Exec(`update marf_data set block_hash = ?, data = x'', external_offset = ?, external_length = ?, compression = ? where block_id = ?`,
		bhh[:], int64(loc.Offset), int64(loc.Length), uint8(c), id)
	if err != nil {
		return xerrors.Errorf("updating external trie blob %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return xerrors.Errorf("updating external trie blob %d: %w", id, trieblob.ErrNotFound)
	}
	return nil
}

func (m *MetaDB) GetExternalTrieOffsetLength(id trieblob.BlockID) (trieblob.ExternalTrie, error) {
	var off, length int64
	var c uint8
	err := m.db.QueryRow("select external_offset, external_length, compression from marf_data where block_id = ?", id).Scan(&off, &length, &c)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return trieblob.ExternalTrie{}, xerrors.Errorf("trie offset for block %d: %w", id, trieblob.ErrNotFound)
	case err != nil:
		return trieblob.ExternalTrie{}, xerrors.Errorf("getting trie offset for block %d: %w", id, err)
	}

	return trieblob.ExternalTrie{
		BlockID:     id,
		Location:    trieblob.BlobLocation{Offset: uint64(off), Length: uint64(length)},
		Compression: trieblob.Compression(c),
	}, nil
}

func (m *MetaDB) GetBlockHash(id trieblob.BlockID) (trieblob.BlockHash, error) {
	var out trieblob.BlockHash
	var raw []byte
	err := m.db.QueryRow("select block_hash from marf_data where block_id = ?", id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return out, xerrors.Errorf("block hash for %d: %w", id, trieblob.ErrNotFound)
	case err != nil:
		return out, xerrors.Errorf("getting block hash for %d: %w", id, err)
	}
	if len(raw) != len(out) {
		return out, xerrors.Errorf("block hash for %d has bad length %d", id, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func (m *MetaDB) GetBlockIdentifier(bhh trieblob.BlockHash) (id trieblob.BlockID, err error) {
	err = m.db.QueryRow("select block_id from marf_data where block_hash = ? order by block_id desc limit 1", bhh[:]).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, xerrors.Errorf("block id for %s: %w", bhh, trieblob.ErrNotFound)
	case err != nil:
		return 0, xerrors.Errorf("getting block id for %s: %w", bhh, err)
	}
	return id, nil
}

func (m *MetaDB) IsUnconfirmedBlock(id trieblob.BlockID) (bool, error) {
	var unconfirmed bool
	err := m.db.QueryRow("select unconfirmed from marf_data where block_id = ?", id).Scan(&unconfirmed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, trieblob.ErrNotFound
	case err != nil:
		return false, xerrors.Errorf("checking if %d is unconfirmed: %w", id, err)
	}
	return unconfirmed, nil
}

func (m *MetaDB) CountBlocks() (highest uint32, err error) {
	err = m.db.QueryRow("select ifnull(max(block_id), 0) from marf_data").Scan(&highest)
	if err != nil {
		return 0, xerrors.Errorf("counting blocks: %w", err)
	}
	return highest, nil
}

func (m *MetaDB) DetectPartialMigration(v trieblob.SchemaVersion) (bool, error) {
	var n int
	err := m.db.QueryRow("select count(*) from migrations where version = ? and completed = 0", v).Scan(&n)
	if err != nil {
		return false, xerrors.Errorf("checking for partial migration to v%d: %w", v, err)
	}
	return n > 0, nil
}

func (m *MetaDB) BeginMigration(v trieblob.SchemaVersion) error {
	_, err := m.db.Exec("insert or replace into migrations (version, completed) values (?, 0)", v)
	if err != nil {
		return xerrors.Errorf("marking migration to v%d started: %w", v, err)
	}
	return nil
}

func (m *MetaDB) SetMigrated(v trieblob.SchemaVersion) error {
	tx, err := m.db.Begin()
	if err != nil {
		return xerrors.Errorf("begin tx: %w", err)
	}

	if _, err := tx.Exec("insert or replace into migrations (version, completed) values (?, 1)", v); err != nil {
		_ = tx.Rollback()
		return xerrors.Errorf("marking migration to v%d completed: %w", v, err)
	}
	if _, err := tx.Exec("delete from schema_version"); err != nil {
		_ = tx.Rollback()
		return xerrors.Errorf("clearing schema version: %w", err)
	}
	if _, err := tx.Exec("insert into schema_version (version) values (?)", v); err != nil {
		_ = tx.Rollback()
		return xerrors.Errorf("setting schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit migrated: %w", err)
	}
	return nil
}

func (m *MetaDB) MigratedVersion() (trieblob.SchemaVersion, error) {
	var v trieblob.SchemaVersion
	err := m.db.QueryRow("select ifnull(max(version), 1) from schema_version").Scan(&v)
	if err != nil {
		return 0, xerrors.Errorf("getting schema version: %w", err)
	}
	return v, nil
}

func (m *MetaDB) GetUncompressedExternalTrieBlobs(limit int) ([]trieblob.ExternalTrie, error) {
	return m.listExternal(`select block_id, external_offset, external_length, compression from marf_data
		where unconfirmed = 0 and external_length > 0 and compression = 0
		order by block_id limit ?`, limit)
}

func (m *MetaDB) ListConfirmedExternalTries() ([]trieblob.ExternalTrie, error) {
	return m.listExternal(`select block_id, external_offset, external_length, compression from marf_data
		where unconfirmed = 0 and external_length > 0
		order by block_id`)
}

func (m *MetaDB) listExternal(query string, args ...interface{}) ([]trieblob.ExternalTrie, error) {
	res, err := m.db.Query(query, args...)
	if err != nil {
		return nil, xerrors.Errorf("listing external tries: %w", err)
	}
	defer res.Close()

	var out []trieblob.ExternalTrie
	for res.Next() {
		var et trieblob.ExternalTrie
		var off, length int64
		var c uint8
		if err := res.Scan(&et.BlockID, &off, &length, &c); err != nil {
			return nil, xerrors.Errorf("scanning external trie: %w", err)
		}
		et.Location = trieblob.BlobLocation{Offset: uint64(off), Length: uint64(length)}
		et.Compression = trieblob.Compression(c)
		out = append(out, et)
	}

	if err := res.Err(); err != nil {
		return nil, xerrors.Errorf("iterating external tries: %w", err)
	}
	if err := res.Close(); err != nil {
		return nil, xerrors.Errorf("closing external trie iterator: %w", err)
	}

	return out, nil
}

func (m *MetaDB) GetExternalBlobsLength() (uint64, error) {
	var n int64
	err := m.db.QueryRow("select ifnull(max(external_offset + external_length), 0) from marf_data").Scan(&n)
	if err != nil {
		return 0, xerrors.Errorf("getting external blobs length: %w", err)
	}
	return uint64(n), nil
}

func (m *MetaDB) Vacuum() error {
	if _, err := m.db.Exec("VACUUM"); err != nil {
		return xerrors.Errorf("vacuum: %w", err)
	}
	return nil
}
