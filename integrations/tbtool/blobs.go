package main

import (
	"fmt"
	"io"

	"github.com/cheggaaa/pb"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/blobcomp"
	"github.com/lotus-web3/trieblob/blobfile"
)

var blobsCmd = &cli.Command{
	Name:  "blobs",
	Usage: "Blob file inspection",
	Subcommands: []*cli.Command{
		blobsInfoCmd,
		blobsVerifyCmd,
		blobsRootsCmd,
	},
}

var blobsInfoCmd = &cli.Command{
	Name:  "info",
	Usage: "Print schema version, block count and per-blob sizes",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{
			Name:  "list",
			Usage: "print every stored blob",
		},
	}, dbFlags...),
	Action: func(c *cli.Context) error {
		s, err := openStore(c, true)
		if err != nil {
			return err
		}
		defer s.Close()

		v, err := s.meta.MigratedVersion()
		if err != nil {
			return err
		}
		highest, err := s.meta.CountBlocks()
		if err != nil {
			return err
		}
		tries, err := s.meta.ListConfirmedExternalTries()
		if err != nil {
			return err
		}

		// raw handle for reading size prefixes without inflating
		bf, err := blobfile.OpenDisk(s.tf.GetPath(), true)
		if err != nil {
			return err
		}
		defer bf.Close()

		fileSize, err := bf.Size()
		if err != nil {
			return err
		}

		fmt.Println("Schema version:", v)
		fmt.Println("Highest block id:", highest)
		fmt.Println("Blob file:", s.tf.GetPath())
		fmt.Println("Blob file size:", fileSize)
		fmt.Println("External tries:", len(tries))

		var stored, uncompressed uint64
		for _, et := range tries {
			size, err := uncompressedSize(bf, et)
			if err != nil {
				color.Red("block %d: %s", et.BlockID, err)
				continue
			}

			stored += et.Location.Length
			uncompressed += size

			if c.Bool("list") {
				fmt.Printf("%d\toffset %d\tstored %d\t%s\tsize %d\n", et.BlockID, et.Location.Offset, et.Location.Length, et.Compression, size)
			}
		}

		fmt.Println("Stored bytes:", stored, "; Uncompressed bytes:", uncompressed)
		if uncompressed > 0 {
			fmt.Printf("Ratio: %.3f\n", float64(stored)/float64(uncompressed))
		}
		if int64(stored) != fileSize {
			color.Yellow("%d bytes in the blob file are not referenced", fileSize-int64(stored))
		}
		return nil
	},
}

func uncompressedSize(bf blobfile.Backend, et trieblob.ExternalTrie) (uint64, error) {
	if et.Compression == trieblob.CompressionNone {
		return et.Location.Length, nil
	}

	if _, err := bf.Seek(int64(et.Location.Offset), io.SeekStart); err != nil {
		return 0, err
	}
	prefix := make([]byte, blobcomp.PrefixSize)
	if _, err := io.ReadFull(bf, prefix); err != nil {
		return 0, xerrors.Errorf("reading size prefix: %w", err)
	}

	size, err := blobcomp.UncompressedSize(prefix)
	if err != nil {
		return 0, err
	}
	return uint64(size), nil
}

var blobsVerifyCmd = &cli.Command{
	Name:  "verify",
	Usage: "Read and decompress every confirmed trie",
	Flags: dbFlags,
	Action: func(c *cli.Context) error {
		s, err := openStore(c, true)
		if err != nil {
			return err
		}
		defer s.Close()

		tries, err := s.meta.ListConfirmedExternalTries()
		if err != nil {
			return err
		}

		bar := pb.StartNew(len(tries))

		var failed int
		for _, et := range tries {
			if _, err := s.tf.ReadTrieBlob(s.meta, et.BlockID); err != nil {
				failed++
				color.Red("block %d: %s", et.BlockID, err)
			}
			bar.Increment()
		}

		bar.Finish()

		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d tries failed to load", failed, len(tries)), 1)
		}
		color.Green("All %d tries OK", len(tries))
		return nil
	},
}

var blobsRootsCmd = &cli.Command{
	Name:  "roots",
	Usage: "Print the root node hash of every confirmed trie",
	Flags: append([]cli.Flag{
		&cli.UintFlag{
			Name:  "root-ptr",
			Usage: "offset of the root node inside each trie",
		},
	}, dbFlags...),
	Action: func(c *cli.Context) error {
		s, err := openStore(c, true)
		if err != nil {
			return err
		}
		defer s.Close()

		ptr := trieblob.TriePtr{Ptr: uint32(c.Uint("root-ptr"))}
		roots, err := s.tf.ReadAllBlockHashesAndRoots(s.meta, ptr)
		if err != nil {
			return xerrors.Errorf("reading roots: %w", err)
		}

		for _, r := range roots {
			fmt.Printf("%d\t%s\t%s\n", r.BlockID, r.BlockHash, r.Root)
		}
		return nil
	},
}
