// Command edsutil is a small inspection tool over block files: fsck
// walks a file's key table, stats prints its cache occupancy. It exists
// mainly as a debugging aid during development, not as a supported
// end-user interface.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/evolution-ds/core/blockstore"
	"github.com/evolution-ds/core/log"
)

func main() {
	app := cli.NewApp()
	app.Name = "edsutil"
	app.Usage = "inspect block-store files"
	app.Commands = []cli.Command{
		fsckCommand,
		statsCommand,
	}
	if err := app.Run(os.Args); err != nil {
		log.Root().Error(err.Error())
		os.Exit(1)
	}
}

var fsckCommand = cli.Command{
	Name:      "fsck",
	Usage:     "open a block file and walk its key table to report basic consistency",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return fmt.Errorf("usage: edsutil fsck <path>")
		}
		cache, err := blockstore.Open(blockstore.Config{Path: path, NoSync: true})
		if err != nil {
			return err
		}
		defer cache.Close()

		stats := cache.Stats()
		fmt.Printf("attached=%d dirty=%d limit=%d\n", stats.Attached, stats.Dirty, stats.Limit)

		kt := blockstore.NewKeyTable(cache)
		next := kt.All()
		count := 0
		for id, ok := next(); ok; id, ok = next() {
			if _, _, _, err := kt.Lookup(id); err != nil {
				return fmt.Errorf("key table entry %d: %w", id, err)
			}
			count++
			if count > 1<<20 {
				return fmt.Errorf("key table iteration did not terminate")
			}
		}
		fmt.Printf("key table entries visited: %d\n", count)
		fmt.Println("fsck: ok")
		return nil
	},
}

var statsCommand = cli.Command{
	Name:      "stats",
	Usage:     "print cache occupancy for a block file",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return fmt.Errorf("usage: edsutil stats <path>")
		}
		cache, err := blockstore.Open(blockstore.Config{Path: path, NoSync: true})
		if err != nil {
			return err
		}
		defer cache.Close()
		stats := cache.Stats()
		fmt.Printf("attached=%d dirty=%d limit=%d\n", stats.Attached, stats.Dirty, stats.Limit)
		return nil
	},
}
