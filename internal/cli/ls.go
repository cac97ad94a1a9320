package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/pakcache/pkg/pak"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
)

// withArchive opens the archive at p in a fresh session and runs fn.
func withArchive(ctx context.Context, o *IO, a *app, p string, fn func(s *session, r *pak.Reader) error) (err error) {
	s, err := a.openSession()
	if err != nil {
		return err
	}

	defer func() { err = errors.Join(err, s.close()) }()

	r, err := s.open(ctx, o, p)
	if err != nil {
		return err
	}

	return fn(s, r)
}

// LsCmd returns the ls command.
func LsCmd(a *app) *Command {
	flags := flag.NewFlagSet("ls", flag.ContinueOnError)
	long := flags.BoolP("long", "l", false, "Show size, stored size, compression and encryption")
	prefix := flags.String("prefix", "", "Only list entries whose name starts with `prefix`")

	return &Command{
		Flags:   flags,
		Usage:   "ls [flags] <archive>",
		Short:   "List archive entries",
		Long:    "List archive entries in index order.",
		MinArgs: 1,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return withArchive(ctx, o, a, args[0], func(_ *session, r *pak.Reader) error {
				for _, e := range r.Entries() {
					if !strings.HasPrefix(e.Name, *prefix) {
						continue
					}

					if !*long {
						o.Println(e.Name)

						continue
					}

					enc := "-"
					if e.Encrypted {
						enc = "enc"
					}

					o.Printf("%10d %10d %-6s %-3s %s\n", e.Size, e.StoredSize, e.Compression, enc, e.Name)
				}

				return nil
			})
		},
	}
}

// CatCmd returns the cat command.
func CatCmd(a *app) *Command {
	flags := flag.NewFlagSet("cat", flag.ContinueOnError)
	offset := flags.Int64("offset", 0, "Start reading at `byte` offset")
	length := flags.Int64("length", -1, "Read at most `n` bytes; whole entry when negative")
	priority := flags.String("priority", pakcache.PriorityNormal.String(), "Request priority")

	return &Command{
		Flags:   flags,
		Usage:   "cat [flags] <archive> <entry>",
		Short:   "Write an entry to stdout",
		Long:    "Write an entry to stdout. Whole entries are checked against their content hash; ranges selected with --offset or --length are not.",
		MinArgs: 2,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			pri, err := pakcache.ParsePriority(*priority)
			if err != nil {
				return err
			}

			return withArchive(ctx, o, a, args[0], func(_ *session, r *pak.Reader) error {
				if *offset == 0 && *length < 0 {
					data, err := r.ReadFile(ctx, args[1], pri)
					if err != nil {
						return err
					}

					_, err = o.Write(data)

					return err
				}

				e, err := r.Stat(args[1])
				if err != nil {
					return err
				}

				n := e.Size - *offset
				if *length >= 0 {
					n = min(n, *length)
				}

				if n < 0 {
					return fmt.Errorf("offset %d past end of %q (%d bytes)", *offset, e.Name, e.Size)
				}

				buf := make([]byte, n)

				got, err := r.ReadAt(ctx, args[1], buf, *offset, pri)
				if err != nil {
					return err
				}

				_, err = o.Write(buf[:got])

				return err
			})
		},
	}
}

// ExtractCmd returns the extract command.
func ExtractCmd(a *app) *Command {
	flags := flag.NewFlagSet("extract", flag.ContinueOnError)
	dir := flags.StringP("output", "o", ".", "Extract into `dir`")
	parallel := flags.IntP("jobs", "j", 0, "Parallel reads; default from config")

	return &Command{
		Flags:   flags,
		Usage:   "extract [flags] <archive>",
		Short:   "Extract every entry",
		Long:    "Extract every entry below the output directory. Entry names that would escape it are refused.",
		MinArgs: 1,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			jobs := a.cfg.Parallel
			if *parallel > 0 {
				jobs = *parallel
			}

			return withArchive(ctx, o, a, args[0], func(_ *session, r *pak.Reader) error {
				if err := r.Extract(ctx, a.fsys, a.path(*dir), jobs); err != nil {
					return err
				}

				o.Printf("extracted %d entries to %s\n", len(r.Entries()), a.path(*dir))

				return nil
			})
		},
	}
}
