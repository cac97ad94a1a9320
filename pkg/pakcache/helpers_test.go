package pakcache

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/pakcache/pkg/storage"
)

const (
	testGran        = 64 << 10
	testArchiveSize = 10 << 20
)

// fakeDevice serves in-memory archives. Reads stay pending until the test
// completes them, unless inline is set, in which case they complete inside
// IssueRead.
type fakeDevice struct {
	mu       sync.Mutex
	files    map[string][]byte
	pending  []*fakeRead
	issued   []fakeRange
	attempts map[fakeRange]int
	ops      []*fakeOp
	inline   bool

	// fail, if set, decides the outcome of each read attempt (1-indexed).
	fail func(r fakeRange, attempt int) error
}

type fakeRange struct {
	path   string
	offset int64
	size   int64
}

func (r fakeRange) String() string {
	return fmt.Sprintf("%s@%d+%d", r.path, r.offset, r.size)
}

type fakeRead struct {
	fakeRange
	op   *fakeOp
	done func(storage.PendingOp)
}

type fakeOp struct {
	offset   int64
	size     int64
	data     []byte
	err      error
	released atomic.Bool
	issuing  atomic.Bool // IssueRead has not returned yet
}

func (o *fakeOp) Offset() int64           { return o.offset }
func (o *fakeOp) Size() int64             { return o.size }
func (o *fakeOp) Result() ([]byte, error) { return o.data, o.err }

func (o *fakeOp) Release() {
	if o.issuing.Load() {
		panic("fake op released before IssueRead returned")
	}

	if o.released.Swap(true) {
		panic("fake op released twice")
	}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		files:    make(map[string][]byte),
		attempts: make(map[fakeRange]int),
	}
}

// add creates an archive of size bytes with a position-dependent pattern.
func (d *fakeDevice) add(path string, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i>>11 + len(path))
	}

	d.mu.Lock()
	d.files[path] = data
	d.mu.Unlock()

	return data
}

func (d *fakeDevice) Open(path string) (storage.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, ok := d.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}

	return &fakeHandle{d: d, path: path, size: int64(len(data))}, nil
}

func (d *fakeDevice) setInline(v bool) {
	d.mu.Lock()
	d.inline = v
	d.mu.Unlock()
}

// issuedRanges returns every read issued so far, retries included.
func (d *fakeDevice) issuedRanges() []fakeRange {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]fakeRange(nil), d.issued...)
}

func (d *fakeDevice) pendingRanges() []fakeRange {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]fakeRange, len(d.pending))
	for i, r := range d.pending {
		out[i] = r.fakeRange
	}

	return out
}

func (d *fakeDevice) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// complete finishes pending read i with its configured outcome.
func (d *fakeDevice) complete(i int) {
	d.completeWith(i, nil)
}

// completeWith finishes pending read i, failing it with err if non-nil.
func (d *fakeDevice) completeWith(i int, err error) {
	d.mu.Lock()
	r := d.pending[i]
	d.pending = append(d.pending[:i], d.pending[i+1:]...)
	d.mu.Unlock()

	if err != nil {
		r.op.data, r.op.err = nil, err
	}

	r.done(r.op)
}

// pump completes pending reads in issue order until none are left.
func (d *fakeDevice) pump() {
	for d.pendingCount() > 0 {
		d.complete(0)
	}
}

func (d *fakeDevice) unreleased() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0

	for _, op := range d.ops {
		if !op.released.Load() {
			n++
		}
	}

	return n
}

type fakeHandle struct {
	d    *fakeDevice
	path string
	size int64
}

func (h *fakeHandle) Path() string { return h.path }

func (h *fakeHandle) Size() int64 { return h.size }

func (h *fakeHandle) IssueRead(offset, size int64, done func(storage.PendingOp)) storage.PendingOp {
	d := h.d
	rng := fakeRange{path: h.path, offset: offset, size: size}
	op := &fakeOp{offset: offset, size: size}
	op.issuing.Store(true)
	defer op.issuing.Store(false)

	d.mu.Lock()
	d.issued = append(d.issued, rng)
	d.attempts[rng]++
	attempt := d.attempts[rng]
	d.ops = append(d.ops, op)

	if d.fail != nil {
		op.err = d.fail(rng, attempt)
	}

	if op.err == nil {
		op.data = append([]byte(nil), d.files[h.path][offset:offset+size]...)
	}

	inline := d.inline
	if !inline {
		d.pending = append(d.pending, &fakeRead{fakeRange: rng, op: op, done: done})
	}
	d.mu.Unlock()

	if inline {
		done(op)
	}

	return op
}

func (h *fakeHandle) Close() error { return nil }

type verifierFunc func(archive string, offset int64, data []byte) error

func (f verifierFunc) Verify(archive string, offset int64, data []byte) error {
	return f(archive, offset, data)
}

// newTestCache returns a cache over dev with test-friendly defaults. The
// cleanup flushes pending reads before closing the cache.
func newTestCache(t *testing.T, dev *fakeDevice, mutate func(*Options)) *Cache {
	t.Helper()

	opts := &Options{
		Device:      dev,
		Granularity: testGran,
		ReadBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(opts)
	}

	c, err := New(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		dev.setInline(true)
		dev.pump()
		require.NoError(t, c.Close())
	})

	return c
}

func queue(t *testing.T, c *Cache, path string, offset, size int64, pri Priority) *Request {
	t.Helper()

	req, err := c.QueueRequest(path, 0, offset, size, pri)
	require.NoError(t, err)

	return req
}

func mustBytes(t *testing.T, req *Request) []byte {
	t.Helper()

	require.True(t, req.Ready(), "request %s@%d not ready", req.Archive(), req.Offset())

	data, err := req.Bytes()
	require.NoError(t, err)

	return data
}

func collect[T any, P interface {
	*T
	treeItem
}](tr tree[T, P], root Idx, a *archive) []Idx {
	var out []Idx

	tr.overlapping(root, 0, a.size-1, a.geom, func(i Idx) bool {
		out = append(out, i)

		return true
	})

	return out
}

func overlaps(alo, ahi, blo, bhi uint64) bool {
	return alo <= bhi && ahi >= blo
}

// checkInvariants verifies the scheduler's bookkeeping against its trees.
func checkInvariants(t *testing.T, c *Cache) {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		memory         int64
		inFlightBlocks int
		blockCount     int
		treeRequests   int
		completed      int
	)

	for _, a := range c.archives {
		if a.size == 0 {
			continue
		}

		var blocks []Idx

		for st := range a.blocks {
			for _, bi := range collect(c.blockTree, a.blocks[st], a) {
				b := c.blocks.Get(bi)
				require.Equal(t, blockStatus(st), b.status, "block status matches its tree")
				require.Equal(t, a.index, b.key.archive())
				require.Zero(t, b.key.offset()&(testGranMask(c)), "block start is granule aligned")

				if b.status == blockComplete {
					require.Len(t, b.memory, int(b.size))
					require.NotZero(t, b.refs, "complete block without references")

					memory += int64(b.size)
				} else {
					inFlightBlocks++
				}

				blocks = append(blocks, bi)
			}
		}

		blockCount += len(blocks)

		for i, x := range blocks {
			xlo, xhi := c.blocks.Get(x).bounds()

			for _, y := range blocks[i+1:] {
				ylo, yhi := c.blocks.Get(y).bounds()
				require.False(t, overlaps(xlo, xhi, ylo, yhi), "blocks overlap")
			}
		}

		var reqs []Idx

		for p := range a.requests {
			for st := range a.requests[p] {
				for _, ri := range collect(c.reqTree, a.requests[p][st], a) {
					r := c.reqs.Get(ri)
					require.Equal(t, requestStatus(st), r.status, "request status matches its tree")
					require.Equal(t, Priority(p), r.priority)
					require.Equal(t, ri, c.outstanding[r.id])

					lo, hi := r.bounds()

					switch r.status {
					case requestComplete:
						require.True(t, c.covered(a, lo, hi, false), "complete request not covered")

						completed++
					case requestInFlight:
						require.True(t, c.covered(a, lo, hi, true), "in-flight request not covered")
						require.False(t, c.covered(a, lo, hi, false), "in-flight request already complete")
					case requestWaiting:
						require.False(t, c.covered(a, lo, hi, true), "waiting request fully covered")
					}

					reqs = append(reqs, ri)
				}
			}
		}

		treeRequests += len(reqs)

		for _, bi := range blocks {
			b := c.blocks.Get(bi)
			blo, bhi := b.bounds()

			var refs uint32

			for _, ri := range reqs {
				if rlo, rhi := c.reqs.Get(ri).bounds(); overlaps(rlo, rhi, blo, bhi) {
					refs++
				}
			}

			require.Equal(t, refs, b.refs, "block at %d refs", blo)
		}
	}

	failed := 0

	for _, ri := range c.outstanding {
		if c.reqs.Get(ri).status == requestFailed {
			failed++
		}
	}

	require.Equal(t, memory, c.blockMemory, "block memory")
	require.Equal(t, completed, c.completed, "complete requests")
	require.Equal(t, inFlightBlocks, len(c.slots)-c.freeSlots, "busy slots")
	require.Equal(t, blockCount, c.blocks.Len(), "live blocks")
	require.Equal(t, treeRequests+failed, c.reqs.Len(), "live requests")
	require.Len(t, c.outstanding, c.reqs.Len())
}

func testGranMask(c *Cache) uint64 {
	return uint64(1)<<c.granShift - 1
}
