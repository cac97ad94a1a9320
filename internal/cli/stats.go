package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/common/expfmt"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/pakcache/pkg/pak"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
)

// StatsCmd returns the stats command.
func StatsCmd(a *app) *Command {
	flags := flag.NewFlagSet("stats", flag.ContinueOnError)
	precache := flags.Bool("precache", false, "Queue every entry at precache priority before reading")
	metrics := flags.Bool("metrics", false, "Also print Prometheus metrics in text format")

	return &Command{
		Flags:   flags,
		Usage:   "stats [flags] <archive>",
		Short:   "Read every entry and print cache statistics",
		Long:    "Read every entry of the archive through the cache and print the cache counters afterwards.",
		MinArgs: 1,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return withArchive(ctx, o, a, args[0], func(s *session, r *pak.Reader) error {
				if *precache {
					reqs, err := precacheAll(r)
					defer closeAll(reqs)

					if err != nil {
						return err
					}
				}

				for _, e := range r.Entries() {
					if _, err := r.ReadFile(ctx, e.Name, pakcache.PriorityNormal); err != nil {
						return err
					}
				}

				printStats(o, s.cache.Stats())

				if *metrics {
					return printMetrics(o, a)
				}

				return nil
			})
		},
	}
}

// precacheAll queues every entry at precache priority without waiting.
// Precache requests may be held back by the memory budget; the reads that
// follow pull their bytes in. The returned requests hold the bytes until
// closed.
func precacheAll(r *pak.Reader) ([]*pakcache.Request, error) {
	var reqs []*pakcache.Request

	for _, e := range r.Entries() {
		req, err := r.Precache(e.Name)
		if err != nil {
			return reqs, err
		}

		if req != nil {
			reqs = append(reqs, req)
		}
	}

	return reqs, nil
}

func closeAll(reqs []*pakcache.Request) {
	for _, req := range reqs {
		_ = req.Close()
	}
}

func printStats(o *IO, st pakcache.Stats) {
	o.Printf("requests=%d\n", st.Requests)
	o.Printf("hits=%d\n", st.Hits)
	o.Printf("hit_ratio=%.3f\n", st.HitRatio())
	o.Printf("failures=%d\n", st.Failures)
	o.Printf("reads=%d\n", st.Reads)
	o.Printf("retries=%d\n", st.Retries)
	o.Printf("requested_bytes=%d\n", st.RequestedBytes)
	o.Printf("fetched_bytes=%d\n", st.FetchedBytes)
	o.Printf("discarded_bytes=%d\n", st.DiscardedBytes)
	o.Printf("block_memory=%d\n", st.BlockMemory)
	o.Printf("block_memory_high=%d\n", st.BlockMemoryHigh)
	o.Printf("live_requests=%d\n", st.LiveRequests)
	o.Printf("live_blocks=%d\n", st.LiveBlocks)
}

func printMetrics(o *IO, a *app) error {
	families, err := a.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	o.Println()

	var errs []error

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(o, mf); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
