package pakcache

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/calvinalkan/pakcache/pkg/storage"
)

// Cache schedules reads of archive byte ranges and caches the fetched
// blocks for as long as some request overlapping them is alive.
//
// Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	opts      *Options
	log       *zap.SugaredLogger
	m         *metrics
	granShift uint32
	opens     singleflight.Group

	mu          sync.Mutex
	drained     *sync.Cond
	archives    []*archive
	byPath      map[string]uint16
	nodes       *Arena[treeNode]
	blocks      *Arena[cacheBlock]
	reqs        *Arena[inRequest]
	blockTree   tree[cacheBlock, *cacheBlock]
	reqTree     tree[inRequest, *inRequest]
	outstanding map[uint64]Idx
	nextID      uint64
	slots       []readSlot
	freeSlots   int
	readHead    rangeKey
	blockMemory int64
	completed   int // requests in a complete tree
	stats       Stats
	closed      bool
}

// readSlot is one of the fixed number of concurrent storage reads.
type readSlot struct {
	busy  bool
	order readOrder
}

// readOrder describes one storage read; it is copied out of the lock to
// issue the read and handed back on completion.
type readOrder struct {
	slot    int
	block   Idx
	archive uint16
	handle  storage.Handle
	path    string
	offset  int64
	size    int64
	attempt int
}

// session collects the side effects of one locked mutation so they can run
// after the lock is released.
type session struct {
	issue  []readOrder
	notify []*Request
}

// New returns a [Cache] configured by opts. A nil opts uses the defaults.
func New(opts *Options) (*Cache, error) {
	o, err := opts.norm()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		opts:        o,
		log:         o.Logger,
		m:           newMetrics(o.Registerer),
		granShift:   o.granShift(),
		byPath:      make(map[string]uint16),
		nodes:       NewArena[treeNode](256),
		blocks:      NewArena[cacheBlock](64),
		reqs:        NewArena[inRequest](64),
		outstanding: make(map[uint64]Idx),
		slots:       make([]readSlot, o.MaxOutstandingReads),
		freeSlots:   o.MaxOutstandingReads,
	}
	c.drained = sync.NewCond(&c.mu)
	c.blockTree = tree[cacheBlock, *cacheBlock]{nodes: c.nodes, items: c.blocks}
	c.reqTree = tree[inRequest, *inRequest]{nodes: c.nodes, items: c.reqs}

	return c, nil
}

// Register opens the archive at path if it is not open yet and returns its
// size. Requests register their archive implicitly; Register is for callers
// that need the size before the first request, such as footer readers.
func (c *Cache) Register(path string) (int64, error) {
	a, err := c.archive(path, 0)
	if err != nil {
		return 0, err
	}

	return int64(a.size), nil
}

// QueueRequest asks for size bytes at offset of the archive at path.
//
// archiveSize, if positive, must match the archive's size; zero accepts
// whatever the device reports. When the range is already cached the
// returned [Request] is complete before QueueRequest returns.
func (c *Cache) QueueRequest(path string, archiveSize, offset, size int64, pri Priority) (*Request, error) {
	return c.QueueRequestFunc(path, archiveSize, offset, size, pri, nil)
}

// QueueRequestFunc is [Cache.QueueRequest] with a completion callback.
//
// fn runs exactly once when the request completes or fails, unless the
// request is canceled first. It runs on the goroutine that completed the
// request, outside the cache lock, and may queue, read, or cancel requests.
// For a cache hit it runs before QueueRequestFunc returns.
func (c *Cache) QueueRequestFunc(path string, archiveSize, offset, size int64, pri Priority, fn func(*Request)) (*Request, error) {
	if int(pri) >= numPriorities {
		return nil, fmt.Errorf("pakcache: invalid priority %d", pri)
	}

	if size <= 0 || offset < 0 {
		return nil, fmt.Errorf("%w: offset %d size %d", ErrInvalidRange, offset, size)
	}

	a, err := c.archive(path, archiveSize)
	if err != nil {
		return nil, err
	}

	if uint64(offset) >= a.size || uint64(size) > a.size-uint64(offset) {
		return nil, fmt.Errorf("%w: %d+%d beyond %s (size %d)", ErrInvalidRange, offset, size, path, a.size)
	}

	req := &Request{
		c:        c,
		archive:  path,
		offset:   offset,
		size:     size,
		priority: pri,
		fn:       fn,
		done:     make(chan struct{}),
	}

	var closed bool

	c.do(func(s *session) {
		if c.closed {
			closed = true

			return
		}

		c.nextID++
		req.id = c.nextID

		idx := c.reqs.Alloc()
		r := c.reqs.Get(idx)
		r.key = makeKey(a.index, uint64(offset))
		r.size = uint64(size)
		r.priority = pri
		r.id = req.id
		r.owner = req
		c.outstanding[req.id] = idx

		c.stats.Requests++
		c.stats.RequestedBytes += uint64(size)
		c.m.requests.WithLabelValues(pri.String()).Inc()
		c.m.requestedBytes.Add(float64(size))

		c.addRequest(s, idx)
	})

	if closed {
		return nil, ErrClosed
	}

	return req, nil
}

// archive returns the registered archive for path, opening it on first use.
func (c *Cache) archive(path string, size int64) (*archive, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, ErrClosed
	}

	var a *archive
	if i, ok := c.byPath[path]; ok {
		a = c.archives[i]
	}
	c.mu.Unlock()

	if a == nil {
		v, err, _ := c.opens.Do(path, func() (any, error) {
			return c.register(path)
		})
		if err != nil {
			return nil, err
		}

		a = v.(*archive)
	}

	if size > 0 && uint64(size) != a.size {
		return nil, fmt.Errorf("%w: %s is %d bytes, request says %d", ErrSizeMismatch, path, a.size, size)
	}

	return a, nil
}

func (c *Cache) register(path string) (*archive, error) {
	h, err := c.opts.Device.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.byPath[path]; ok {
		_ = h.Close()

		return c.archives[i], nil
	}

	var regErr error

	switch {
	case c.closed:
		regErr = ErrClosed
	case len(c.archives) >= maxArchives:
		regErr = ErrTooManyArchives
	case h.Size() < 0 || uint64(h.Size()) > maxOffset:
		regErr = fmt.Errorf("%w: %s is %d bytes", ErrInvalidRange, path, h.Size())
	}

	if regErr != nil {
		_ = h.Close()

		return nil, regErr
	}

	a := newArchive(uint16(len(c.archives)), path, uint64(h.Size()), h, c.granShift)
	c.archives = append(c.archives, a)
	c.byPath[path] = a.index

	c.log.Debugw("archive registered", "archive", path, "index", a.index, "size", a.size)

	return a, nil
}

// do runs fn under the cache lock, then issues the reads and delivers the
// notifications fn queued. Notifications may re-enter the cache.
func (c *Cache) do(fn func(s *session)) {
	var s session

	c.mu.Lock()
	fn(&s)
	c.mu.Unlock()

	for _, o := range s.issue {
		c.issue(o)
	}

	for _, req := range s.notify {
		req.notify()
	}
}

func (c *Cache) cancel(id uint64) {
	c.do(func(s *session) {
		idx, ok := c.outstanding[id]
		if !ok {
			return
		}

		c.removeRequest(s, idx)
	})
}

// readCompleted copies the bytes of a completed request into dst, which is
// exactly the request's size.
func (c *Cache) readCompleted(id uint64, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.outstanding[id]
	if !ok {
		return 0, ErrCanceled
	}

	r := c.reqs.Get(idx)

	switch r.status {
	case requestFailed:
		return 0, r.err
	case requestComplete:
	default:
		return 0, ErrNotReady
	}

	a := c.archives[r.key.archive()]
	lo, hi := r.bounds()
	n := 0

	c.blockTree.overlapping(a.blocks[blockComplete], lo, hi, a.geom, func(bi Idx) bool {
		b := c.blocks.Get(bi)
		blo, bhi := b.bounds()
		from, to := max(lo, blo), min(hi, bhi)
		n += copy(dst[from-lo:to-lo+1], b.memory[from-blo:to-blo+1])

		return true
	})

	if n != len(dst) {
		panic(fmt.Sprintf("pakcache: complete request %d covered %d of %d bytes", id, n, len(dst)))
	}

	return n, nil
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.BlockMemory = c.blockMemory
	s.OutstandingReads = len(c.slots) - c.freeSlots
	s.LiveRequests = c.reqs.Len()
	s.LiveBlocks = c.blocks.Len()

	return s
}

// Close stops the cache. Waiting requests fail with [ErrClosed]. Reads
// already issued finish first, so in-flight requests still complete unless
// their read fails and would need a retry. Completed requests stay readable
// until they are closed. Close then closes every archive handle.
//
// Close must not be called from a completion callback.
func (c *Cache) Close() error {
	c.do(func(s *session) {
		if c.closed {
			return
		}

		c.closed = true

		for _, a := range c.archives {
			if a.size == 0 {
				continue
			}

			for p := range a.requests {
				c.failRequests(s, a, &a.requests[p][requestWaiting], 0, a.size-1, ErrClosed)
			}
		}
	})

	c.mu.Lock()
	for c.freeSlots < len(c.slots) {
		c.drained.Wait()
	}

	var handles []storage.Handle

	for _, a := range c.archives {
		if a.handle != nil {
			handles = append(handles, a.handle)
			a.handle = nil
		}
	}
	c.mu.Unlock()

	var errs []error

	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Path(), err))
		}
	}

	return errors.Join(errs...)
}
