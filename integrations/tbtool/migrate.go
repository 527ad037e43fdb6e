package main

import (
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	trieblob "github.com/lotus-web3/trieblob"
)

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Trie storage migrations",
	Subcommands: []*cli.Command{
		migrateExportCmd,
		migrateCompressCmd,
	},
}

var migrateExportCmd = &cli.Command{
	Name:  "export",
	Usage: "Move inline tries out of the metadata db into the blob file (v1 -> v2)",
	Flags: dbFlags,
	Action: func(c *cli.Context) error {
		s, err := openStore(c, false)
		if err != nil {
			return err
		}
		defer s.Close()

		return runMigration(s, "export", func() error {
			return s.tf.ExportTrieBlobs(s.meta, s.dbPath)
		})
	},
}

var migrateCompressCmd = &cli.Command{
	Name:  "compress",
	Usage: "Rewrite the blob file with lz4 compressed tries (v2 -> v3)",
	Flags: dbFlags,
	Action: func(c *cli.Context) error {
		s, err := openStore(c, false)
		if err != nil {
			return err
		}
		defer s.Close()

		return runMigration(s, "compress", func() error {
			return s.tf.CompressTrieBlobs(s.meta)
		})
	},
}

func runMigration(s *store, name string, run func() error) error {
	before, err := s.meta.MigratedVersion()
	if err != nil {
		return err
	}

	if err := run(); err != nil {
		if trieblob.IsFatal(err) {
			s.Close()
			log.Fatalw("migration failed", "migration", name, "db", s.dbPath, "err", err)
		}
		return err
	}

	after, err := s.meta.MigratedVersion()
	if err != nil {
		return err
	}

	if before == after {
		color.Yellow("%s: nothing to do, schema already at v%d", name, after)
	} else {
		color.Green("%s: migrated v%d -> v%d", name, before, after)
	}
	return nil
}
