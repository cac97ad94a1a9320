package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/pakcache/pkg/pak"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
)

// ErrVerifyFailed is returned when at least one entry failed verification.
var ErrVerifyFailed = errors.New("verification failed")

// VerifyCmd returns the verify command.
func VerifyCmd(a *app) *Command {
	flags := flag.NewFlagSet("verify", flag.ContinueOnError)
	verbose := flags.BoolP("verbose", "v", false, "Print every entry, not only failures")

	return &Command{
		Flags:   flags,
		Usage:   "verify [flags] <archive>...",
		Short:   "Check every entry against its hash",
		Long:    "Read every entry of each archive and check it against its content hash. When the archive has a .sig sidecar, every block read is also checked against its signature.",
		MinArgs: 1,
		Exec: func(ctx context.Context, o *IO, args []string) (err error) {
			// One session for every archive; its metrics register once.
			s, err := a.openSession()
			if err != nil {
				return err
			}

			defer func() { err = errors.Join(err, s.close()) }()

			failed := 0

			for _, p := range args {
				r, err := s.open(ctx, o, p)
				if err != nil {
					return err
				}

				n, err := verifyArchive(ctx, o, a, r, *verbose)
				if err != nil {
					return err
				}

				failed += n
			}

			if failed > 0 {
				return fmt.Errorf("%w: %d entries", ErrVerifyFailed, failed)
			}

			return nil
		},
	}
}

// verifyArchive returns the number of entries that failed.
func verifyArchive(ctx context.Context, o *IO, a *app, r *pak.Reader, verbose bool) (int, error) {
	entries := r.Entries()
	errs := make([]error, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Parallel)

	for i, e := range entries {
		g.Go(func() error {
			_, err := r.ReadFile(gctx, e.Name, pakcache.PriorityNormal)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			errs[i] = err

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	failed := 0

	for i, e := range entries {
		switch {
		case errs[i] != nil:
			failed++

			o.Printf("FAIL %s: %v\n", e.Name, errs[i])
		case verbose:
			o.Printf("ok   %s\n", e.Name)
		}
	}

	o.Printf("%s: %d entries, %d failed\n", r.Path(), len(entries), failed)

	return failed, nil
}
