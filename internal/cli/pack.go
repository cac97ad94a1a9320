package cli

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/pak"
)

// PackCmd returns the pack command.
func PackCmd(a *app) *Command {
	flags := flag.NewFlagSet("pack", flag.ContinueOnError)
	compression := flags.String("compression", "", "Compression (none, snappy, zstd); default from config")
	blockSize := flags.Int("block-size", 0, "Compression block size in bytes; default from config")
	mount := flags.String("mount", "", "Mount point recorded in the index; default from config")
	noSig := flags.Bool("no-sig", false, "Do not write a .sig sidecar")

	return &Command{
		Flags:   flags,
		Usage:   "pack [flags] <archive> <path>...",
		Short:   "Build an archive from files and directories",
		Long:    "Build an archive from files and directories. Directories are added recursively with names relative to the directory. The archive and its signature sidecar are written atomically.",
		MinArgs: 2,
		Exec: func(_ context.Context, o *IO, args []string) error {
			opts := &pak.WriterOptions{
				MountPoint:  a.cfg.MountPoint,
				Compression: a.cfg.CompressionMethod(),
				BlockSize:   a.cfg.BlockSize,
				Logger:      a.log.Named("pak"),
			}

			if *compression != "" {
				c, err := pak.ParseCompression(*compression)
				if err != nil {
					return err
				}

				opts.Compression = c
			}

			if *blockSize > 0 {
				opts.BlockSize = *blockSize
			}

			if *mount != "" {
				opts.MountPoint = *mount
			}

			key, err := a.cfg.Key(a.fsys)
			if err != nil {
				return err
			}

			opts.Key = key

			return execPack(o, a, opts, !*noSig, args[0], args[1:])
		},
	}
}

func execPack(o *IO, a *app, opts *pak.WriterOptions, sig bool, archive string, inputs []string) error {
	var files []pak.File

	for _, in := range inputs {
		found, err := collectFiles(a.fsys, a.path(in))
		if err != nil {
			return err
		}

		files = append(files, found...)
	}

	chunk := int64(0)
	if sig {
		chunk = a.cfg.Granularity
	}

	entries, err := pak.WriteFile(a.fsys, a.path(archive), files, opts, chunk)
	if err != nil {
		return err
	}

	var size, stored int64

	for _, e := range entries {
		size += e.Size
		stored += e.StoredSize
	}

	o.Printf("%s: %d entries, %d bytes, %d stored (%s)\n", archive, len(entries), size, stored, opts.Compression)

	return nil
}

// collectFiles reads p, or every regular file below p when it is a
// directory, in ReadDir order.
func collectFiles(fsys fs.FS, p string) ([]pak.File, error) {
	info, err := fsys.Stat(p)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		data, err := fsys.ReadFile(p)
		if err != nil {
			return nil, err
		}

		return []pak.File{{Name: filepath.Base(p), Data: data}}, nil
	}

	var files []pak.File

	var walk func(dir, prefix string) error

	walk = func(dir, prefix string) error {
		ents, err := fsys.ReadDir(dir)
		if err != nil {
			return err
		}

		for _, e := range ents {
			full := filepath.Join(dir, e.Name())
			name := path.Join(prefix, e.Name())

			switch {
			case e.IsDir():
				if err := walk(full, name); err != nil {
					return err
				}
			case e.Type().IsRegular():
				data, err := fsys.ReadFile(full)
				if err != nil {
					return err
				}

				files = append(files, pak.File{Name: name, Data: data})
			}
		}

		return nil
	}

	if err := walk(p, ""); err != nil {
		return nil, fmt.Errorf("pack %s: %w", p, err)
	}

	return files, nil
}
