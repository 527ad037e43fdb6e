package main

import (
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/triefile"
	"github.com/lotus-web3/trieblob/triekv"
	"github.com/lotus-web3/trieblob/triesql"
)

var dbFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "db",
		Usage:    "metadata db path; the blob file is <db>.blobs",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "meta",
		Usage: "metadata store kind: sqlite, pebble or level",
		Value: "sqlite",
	},
}

func openMeta(kind, path string) (trieblob.MetaStore, error) {
	switch kind {
	case "sqlite":
		return triesql.Open(path)
	case "pebble":
		eng, err := triekv.OpenPebble(path)
		if err != nil {
			return nil, err
		}
		return triekv.New(eng)
	case "level":
		eng, err := triekv.OpenLevel(path)
		if err != nil {
			return nil, err
		}
		return triekv.New(eng)
	default:
		return nil, xerrors.Errorf("unknown metadata store kind %q", kind)
	}
}

type store struct {
	dbPath string
	meta   trieblob.MetaStore
	tf     *triefile.TrieFile
}

func (s *store) Close() {
	if err := s.tf.Close(); err != nil {
		log.Warnw("closing trie file", "err", err)
	}
	if err := s.meta.Close(); err != nil {
		log.Warnw("closing metadata store", "err", err)
	}
}

func openStore(c *cli.Context, readonly bool) (*store, error) {
	dbPath := c.String("db")
	if dbPath == trieblob.MemoryPath {
		return nil, xerrors.Errorf("tbtool works on on-disk stores only")
	}

	meta, err := openMeta(c.String("meta"), dbPath)
	if err != nil {
		return nil, xerrors.Errorf("open metadata: %w", err)
	}

	if readonly {
		ok, err := triefile.Exists(dbPath)
		if err != nil {
			_ = meta.Close()
			return nil, err
		}
		if !ok {
			_ = meta.Close()
			return nil, xerrors.Errorf("no blob file at %s", triefile.BlobPath(dbPath))
		}
	}

	tf, err := triefile.FromDBPath(dbPath, readonly)
	if err != nil {
		_ = meta.Close()
		return nil, xerrors.Errorf("open trie file: %w", err)
	}

	return &store{
		dbPath: dbPath,
		meta:   meta,
		tf:     tf,
	}, nil
}
