package pakcache

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/storage"
)

// Defaults applied by [New] to zero-valued [Options] fields.
const (
	DefaultGranularity         = 64 << 10
	DefaultMaxBlockSize        = 1 << 20
	DefaultMaxOutstandingReads = 8
	DefaultMemoryBudget        = 128 << 20
	DefaultMaxReadAttempts     = 3
	DefaultReadBackoff         = 10 * time.Millisecond
	DefaultMaxReadBackoff      = 250 * time.Millisecond
)

// Verifier checks fetched bytes before they enter the cache.
//
// Verify is called once per completed read, outside the cache lock, with the
// archive path, the block's offset, and its bytes. A non-nil error fails
// every request overlapping the block with [ErrIntegrity].
type Verifier interface {
	Verify(archive string, offset int64, data []byte) error
}

// Options configures a [Cache]. The zero value is usable.
type Options struct {
	// Device opens archives. Default: [storage.FileDevice] over [fs.Real].
	Device storage.Device

	// Granularity is the cache block alignment in bytes. Must be a power of
	// two, at least 4 KiB. Default: 64 KiB.
	Granularity int64

	// MaxBlockSize caps a single storage read. Rounded up to a multiple of
	// Granularity. Default: 1 MiB.
	MaxBlockSize int64

	// MaxOutstandingReads bounds concurrent storage reads. Default: 8.
	MaxOutstandingReads int

	// MemoryBudget is a soft cap on bytes held by completed blocks. While
	// over budget, [PriorityPrecache] requests are not scheduled as long as
	// some completed request still holds memory. Default: 128 MiB.
	MemoryBudget int64

	// MaxReadAttempts is the number of times a failing read is issued before
	// its requests fail with [ErrRead]. Default: 3.
	MaxReadAttempts int

	// ReadBackoff is the delay before the first retry; each further retry
	// doubles it up to MaxReadBackoff. Defaults: 10ms and 250ms.
	ReadBackoff    time.Duration
	MaxReadBackoff time.Duration

	// Verifier, if set, checks every completed read.
	Verifier Verifier

	// Logger receives debug and error events. Default: no-op.
	Logger *zap.SugaredLogger

	// Registerer, if set, receives the cache's Prometheus collectors.
	Registerer prometheus.Registerer
}

func (o *Options) norm() (*Options, error) {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.Device == nil {
		oo.Device = storage.NewFileDevice(fs.NewReal())
	}

	if oo.Granularity == 0 {
		oo.Granularity = DefaultGranularity
	}

	if oo.Granularity < 4<<10 || bits.OnesCount64(uint64(oo.Granularity)) != 1 {
		return nil, fmt.Errorf("pakcache: granularity %d is not a power of two >= 4096", oo.Granularity)
	}

	if oo.MaxBlockSize <= 0 {
		oo.MaxBlockSize = DefaultMaxBlockSize
	}

	oo.MaxBlockSize = alignUp(oo.MaxBlockSize, oo.Granularity)

	if oo.MaxOutstandingReads <= 0 {
		oo.MaxOutstandingReads = DefaultMaxOutstandingReads
	}

	if oo.MemoryBudget <= 0 {
		oo.MemoryBudget = DefaultMemoryBudget
	}

	if oo.MaxReadAttempts <= 0 {
		oo.MaxReadAttempts = DefaultMaxReadAttempts
	}

	if oo.ReadBackoff <= 0 {
		oo.ReadBackoff = DefaultReadBackoff
	}

	if oo.MaxReadBackoff < oo.ReadBackoff {
		oo.MaxReadBackoff = max(DefaultMaxReadBackoff, oo.ReadBackoff)
	}

	if oo.Logger == nil {
		oo.Logger = zap.NewNop().Sugar()
	}

	return &oo, nil
}

func (o *Options) granShift() uint32 {
	return uint32(bits.TrailingZeros64(uint64(o.Granularity)))
}

// retryDelay returns the wait before attempt (1-indexed retries).
func (o *Options) retryDelay(attempt int) time.Duration {
	return min(o.ReadBackoff<<(attempt-1), o.MaxReadBackoff)
}

func alignUp(v, a int64) int64 {
	return (v + a - 1) &^ (a - 1)
}
