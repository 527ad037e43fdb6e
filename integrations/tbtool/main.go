package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("tbtool")

const envLogLevel = "TRIEBLOB_LOG_LEVEL"

func main() {
	app := cli.App{
		Name:  "tbtool",
		Usage: "trie blob storage migration and inspection commands",

		Before: func(c *cli.Context) error {
			lvl := os.Getenv(envLogLevel)
			if lvl == "" {
				lvl = "info"
			}
			return logging.SetLogLevel("*", lvl)
		},

		Commands: []*cli.Command{
			migrateCmd,
			blobsCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("command failed", "err", err)
	}
}
