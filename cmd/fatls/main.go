// Command fatls mounts a FAT32 image read-only and lists its contents.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/skyformat99/aprinter/blockcache"
	"github.com/skyformat99/aprinter/blockdev"
	"github.com/skyformat99/aprinter/errors"
	"github.com/skyformat99/aprinter/evloop"
	"github.com/skyformat99/aprinter/fat32"
)

// entryRow is one line of --csv output.
type entryRow struct {
	Path    string `csv:"path"`
	Type    string `csv:"type"`
	Size    uint32 `csv:"size"`
	Cluster uint32 `csv:"cluster"`
}

func main() {
	app := &cli.App{
		Name:      "fatls",
		Usage:     "list the contents of a FAT32 image",
		ArgsUsage: "IMAGE [PATH]",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "block-size", Value: 512, Usage: "device block size in bytes"},
			&cli.BoolFlag{Name: "csv", Usage: "emit a CSV listing instead of a plain tree"},
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "recurse into subdirectories"},
		},
		Action: listImage,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatls: %s", err.Error())
	}
}

func listImage(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return cli.Exit("usage: fatls [--csv] [--recursive] IMAGE [PATH]", 2)
	}
	imagePath := c.Args().Get(0)
	startPath := c.Args().Get(1)
	blockSize := uint(c.Uint("block-size"))

	dev, derr := blockdev.OpenFileDevice(imagePath, blockSize, false)
	if derr != nil {
		return fmt.Errorf("open %s: %w", imagePath, derr)
	}
	defer dev.Close()

	loop := evloop.New()
	cache := blockcache.New(dev, loop)
	partRange := blockdev.Range{Device: dev, AbsoluteBase: 0, Length: dev.TotalBlocks()}
	fs := fat32.NewFsCore(loop, cache, partRange)

	var initErr fat32.InitError
	fs.Init(func(code fat32.InitError) { initErr = code })
	loop.Run()
	if initErr != fat32.InitOK {
		return fmt.Errorf("mount %s: %w", imagePath, initErr.DriverError())
	}

	root := fs.GetRootEntry()
	dirEntry := root
	if startPath != "" {
		resolved, err := resolvePath(fs, loop, root, startPath)
		if err != nil {
			return err
		}
		dirEntry = resolved
	}
	if !dirEntry.IsDir() {
		return fmt.Errorf("%s: not a directory", startPath)
	}

	var rows []*entryRow
	var errs error
	walkDir(fs, loop, dirEntry, startPath, c.Bool("recursive"), &rows, &errs)

	if c.Bool("csv") {
		out, err := gocsv.MarshalString(&rows)
		if err != nil {
			return err
		}
		fmt.Print(out)
	} else {
		for _, row := range rows {
			fmt.Printf("%-8s %10d  cluster=%-10d %s\n", row.Type, row.Size, row.Cluster, row.Path)
		}
	}

	if errs != nil {
		return errs
	}
	return nil
}

// resolvePath walks name components of p starting from dirEntry using
// fat32.OpenByName, case-insensitively (the conventional shell experience on
// a FAT volume).
func resolvePath(fs *fat32.FsCore, loop *evloop.Loop, dirEntry fat32.FsEntry, p string) (fat32.FsEntry, error) {
	current := dirEntry
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		var status fat32.OpenStatus
		var found fat32.FsEntry
		var openErr errors.DriverError
		fat32.OpenByName(fs, current.Cluster, part, fat32.EntryDirectory, true, func(s fat32.OpenStatus, e fat32.FsEntry, err errors.DriverError) {
			status, found, openErr = s, e, err
		})
		loop.Run()
		if openErr != nil {
			return fat32.FsEntry{}, openErr
		}
		if status != fat32.OpenSuccess {
			var fileStatus fat32.OpenStatus
			fat32.OpenByName(fs, current.Cluster, part, fat32.EntryFile, true, func(s fat32.OpenStatus, e fat32.FsEntry, err errors.DriverError) {
				fileStatus, found, openErr = s, e, err
			})
			loop.Run()
			if openErr != nil {
				return fat32.FsEntry{}, openErr
			}
			if fileStatus != fat32.OpenSuccess {
				return fat32.FsEntry{}, fmt.Errorf("%s: not found", part)
			}
		}
		current = found
	}
	return current, nil
}

func walkDir(fs *fat32.FsCore, loop *evloop.Loop, dirEntry fat32.FsEntry, prefix string, recursive bool, rows *[]*entryRow, errs *error) {
	lister := fat32.NewDirLister(fs, dirEntry.Cluster)
	defer lister.Deinit()

	for {
		var name string
		var entry fat32.FsEntry
		var err errors.DriverError
		lister.RequestEntry(func(n string, e fat32.FsEntry, e2 errors.DriverError) {
			name, entry, err = n, e, e2
		})
		loop.Run()

		if err != nil {
			*errs = multierror.Append(*errs, fmt.Errorf("%s: %w", prefix, err))
			return
		}
		if name == "" {
			return
		}
		if name == "." || name == ".." {
			continue
		}

		fullPath := prefix + "/" + name
		typ := "file"
		if entry.IsDir() {
			typ = "dir"
		}
		*rows = append(*rows, &entryRow{
			Path:    fullPath,
			Type:    typ,
			Size:    entry.FileSize,
			Cluster: uint32(entry.Cluster),
		})

		if recursive && entry.IsDir() {
			walkDir(fs, loop, entry, fullPath, recursive, rows, errs)
		}
	}
}
