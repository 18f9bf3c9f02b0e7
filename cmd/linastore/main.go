// Command linastore is the local-only LiNa Store command: it shares
// internal/engine with linastored but opens no network socket, operating
// directly against a --data directory, sharing the engine but exposing no
// network surface.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"k8s.io/klog/v2"

	"github.com/linastore/lina/internal/blobstore"
	"github.com/linastore/lina/internal/engine"
	"github.com/linastore/lina/internal/nameindex"
)

func main() {
	app := &cli.App{
		Name:  "linastore",
		Usage: "local, offline access to a LiNa Store data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Usage: "data directory", Value: "./data", Required: true},
		},
		Commands: []*cli.Command{
			putCmd,
			getCmd,
			deleteCmd,
			importCmd,
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.Run(os.Args); err != nil {
		klog.Fatal(err)
	}
}

func openEngine(c *cli.Context) (*engine.Engine, func(), error) {
	dir := c.String("data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	blobs, err := blobstore.New(dir+"/blobs", 64)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}
	names, err := nameindex.Open(dir, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("open name index: %w", err)
	}
	eng := engine.New(blobs, names, 64*1024*1024)
	return eng, func() { names.Close() }, nil
}

var putCmd = &cli.Command{
	Name:      "put",
	Usage:     "write a local file into the store under a name",
	ArgsUsage: "<name> <source-file>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "cover", Usage: "overwrite an existing binding"},
		&cli.BoolFlag{Name: "compress", Usage: "store the blob DEFLATE-compressed"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return fmt.Errorf("usage: linastore put <name> <source-file>")
		}
		eng, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()

		payload, err := os.ReadFile(c.Args().Get(1))
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}
		res, err := eng.Write(c.Args().Get(0), payload, c.Bool("cover"), c.Bool("compress"))
		if err != nil {
			return err
		}
		fmt.Printf("hash=%s compressed=%t created=%t\n", res.Hash, res.Compressed, res.Created)
		return nil
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "read a stored name to stdout or a destination file",
	ArgsUsage: "<name> [dest-file]",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 1 {
			return fmt.Errorf("usage: linastore get <name> [dest-file]")
		}
		eng, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := eng.Read(c.Args().Get(0))
		if err != nil {
			return err
		}
		if c.Args().Len() == 2 {
			return os.WriteFile(c.Args().Get(1), res.Payload, 0o644)
		}
		_, err = os.Stdout.Write(res.Payload)
		return err
	},
}

var deleteCmd = &cli.Command{
	Name:      "delete",
	Usage:     "remove a name from the store",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("usage: linastore delete <name>")
		}
		eng, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()
		return eng.Delete(c.Args().Get(0))
	},
}

// importCmd bulk-loads every file in a directory under its base name,
// reporting progress with a vbauerster/mpb/v8 progress bar — a supplemental
// feature that shares the engine but exposes no network surface.
var importCmd = &cli.Command{
	Name:      "import",
	Usage:     "bulk-load every regular file in a directory",
	ArgsUsage: "<source-dir>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "compress", Usage: "store each blob DEFLATE-compressed"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("usage: linastore import <source-dir>")
		}
		eng, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := os.ReadDir(c.Args().Get(0))
		if err != nil {
			return fmt.Errorf("read source dir: %w", err)
		}

		progress := mpb.New(mpb.WithWidth(40))
		bar := progress.New(int64(len(entries)),
			mpb.BarStyle(),
			mpb.PrependDecorators(decor.Name("import")),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)

		var firstErr error
		for _, entry := range entries {
			bar.Increment()
			if entry.IsDir() {
				continue
			}
			path := c.Args().Get(0) + "/" + entry.Name()
			payload, err := os.ReadFile(path)
			if err != nil {
				firstErr = firstErrOf(firstErr, fmt.Errorf("read %s: %w", path, err))
				continue
			}
			if _, err := eng.Write(entry.Name(), payload, true, c.Bool("compress")); err != nil {
				firstErr = firstErrOf(firstErr, fmt.Errorf("write %s: %w", entry.Name(), err))
			}
		}
		progress.Wait()
		return firstErr
	},
}

// firstErrOf keeps the first error encountered during a bulk import while
// still letting the loop continue; a full multi-error sink is more
// machinery than this one-off CLI warrants.
func firstErrOf(first, next error) error {
	if first != nil {
		return first
	}
	return next
}
