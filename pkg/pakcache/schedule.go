package pakcache

import (
	"math/bits"
	"sync/atomic"

	"github.com/calvinalkan/pakcache/pkg/storage"
)

// addRequest classifies a freshly allocated request against the blocks of
// its archive, takes a reference on every overlapping block, and files it
// under the matching status.
func (c *Cache) addRequest(s *session, idx Idx) {
	r := c.reqs.Get(idx)
	a := c.archives[r.key.archive()]
	lo, hi := r.bounds()

	for st := range a.blocks {
		c.blockTree.overlapping(a.blocks[st], lo, hi, a.geom, func(bi Idx) bool {
			c.blocks.Get(bi).refs++

			return true
		})
	}

	switch {
	case c.covered(a, lo, hi, false):
		r.status = requestComplete
		c.completed++
		c.stats.Hits++
		c.m.hits.Inc()
	case c.covered(a, lo, hi, true):
		r.status = requestInFlight
	default:
		r.status = requestWaiting
	}

	c.reqTree.insert(&a.requests[r.priority][r.status], idx, a.geom)

	switch r.status {
	case requestComplete:
		s.notify = append(s.notify, r.owner)
	case requestWaiting:
		c.startReads(s)
	}
}

// covered reports whether every granule of [lo, hi] is held by a complete
// block, or by a complete or in-flight block when withInFlight is set.
func (c *Cache) covered(a *archive, lo, hi uint64, withInFlight bool) bool {
	base := c.alignDown(lo)
	bitmap := granuleBitmap((hi-base)>>c.granShift + 1)

	c.blockTree.mask(a.blocks[blockComplete], lo, hi, base, a.geom, bitmap)

	if withInFlight {
		c.blockTree.mask(a.blocks[blockInFlight], lo, hi, base, a.geom, bitmap)
	}

	for _, w := range bitmap {
		if w != ^uint64(0) {
			return false
		}
	}

	return true
}

// firstUnfilled returns the offset of the first granule of the request that
// no block holds yet. Complete blocks always count; in-flight blocks count
// only for waiting requests. With trim set and head in the request's
// archive, granules before head are ignored. ok is false when nothing is
// missing.
func (c *Cache) firstUnfilled(idx Idx, head rangeKey, trim bool) (offset uint64, ok bool) {
	r := c.reqs.Get(idx)
	a := c.archives[r.key.archive()]
	lo, hi := r.bounds()
	base := c.alignDown(lo)

	if trim && head.archive() == a.index {
		base = max(base, c.alignDown(head.offset()))
		if base > hi {
			return 0, false
		}

		lo = max(lo, base)
	}

	bitmap := granuleBitmap((hi-base)>>c.granShift + 1)

	c.blockTree.mask(a.blocks[blockComplete], lo, hi, base, a.geom, bitmap)

	if r.status == requestWaiting {
		c.blockTree.mask(a.blocks[blockInFlight], lo, hi, base, a.geom, bitmap)
	}

	for w, word := range bitmap {
		if word != ^uint64(0) {
			bit := uint64(w)<<6 + uint64(bits.TrailingZeros64(^word))

			return base + bit<<c.granShift, true
		}
	}

	return 0, false
}

// startReads fills free read slots with new blocks until nothing is left
// to schedule.
func (c *Cache) startReads(s *session) {
	for c.freeSlots > 0 && !c.closed {
		if !c.nextBlock(s) {
			return
		}
	}
}

// nextBlock picks the lowest missing offset among waiting requests of the
// highest priority that has any, searching forward from the read head first
// and then from the start, and starts a block there. Reports whether a block
// was started.
func (c *Cache) nextBlock(s *session) bool {
	// Precache waits while completed requests keep the cache over budget.
	// Memory held only by unfinished requests never blocks it.
	holdPrecache := c.blockMemory > c.opts.MemoryBudget && c.completed > 0

	var (
		best      uint64
		bestArc   *archive
		foundBest bool
	)

	for p := numPriorities - 1; p >= 0; p-- {
		if Priority(p) == PriorityPrecache && holdPrecache {
			break
		}

		for pass := 0; pass < 2 && !foundBest; pass++ {
			start := c.readHead
			if pass == 1 {
				start = 0
			}

			off := start.offset()

			for ai := int(start.archive()); !foundBest && ai < len(c.archives); ai++ {
				a := c.archives[ai]

				if a.hasWaiting(Priority(p)) && off < a.size {
					limit := a.size - 1
					lo := off

					c.reqTree.overlappingShrinking(a.requests[p][requestWaiting], lo, &limit, a.geom, func(i Idx) bool {
						first, ok := c.firstUnfilled(i, start, pass == 0)
						if !ok || (foundBest && first >= best) {
							return true
						}

						best, bestArc, foundBest = first, a, true

						if first <= lo {
							return false
						}

						limit = first - 1

						return true
					})
				}

				off = 0
			}

			if start == 0 {
				break
			}
		}

		if foundBest {
			c.addNewBlock(s, bestArc, best, Priority(p))

			return true
		}
	}

	return false
}

// addNewBlock starts a block at the granule containing offset. The block
// spans the run of granules, up to MaxBlockSize, that no block holds and
// that some waiting request within merge distance of pri wants.
func (c *Cache) addNewBlock(s *session, a *archive, offset uint64, pri Priority) {
	gran := uint64(1) << c.granShift
	first := c.alignDown(offset)
	last := min(first+uint64(c.opts.MaxBlockSize)-1, a.size-1)
	nbits := (last-first)>>c.granShift + 1

	held := granuleBitmap(nbits)
	c.blockTree.mask(a.blocks[blockComplete], first, last, first, a.geom, held)
	c.blockTree.mask(a.blocks[blockInFlight], first, last, first, a.geom, held)

	wanted := make([]uint64, len(held))

	for p := numPriorities - 1; p >= 0; p-- {
		if Priority(p)+maxPriorityMergeDistance < pri {
			break
		}

		c.reqTree.mask(a.requests[p][requestWaiting], first, last, first, a.geom, wanted)
	}

	run := uint64(0)

	for w := range held {
		ones := uint64(bits.TrailingZeros64(^(^held[w] & wanted[w])))
		run += ones

		if ones < 64 {
			break
		}
	}

	if run == 0 {
		panic("pakcache: next block offset is already held or unwanted")
	}

	size := min(first+run*gran, last+1) - first

	bi := c.blocks.Alloc()
	b := c.blocks.Get(bi)
	b.key = makeKey(a.index, first)
	b.size = size
	b.status = blockInFlight
	c.blockTree.insert(&a.blocks[blockInFlight], bi, a.geom)

	var moved []Idx

	for p := numPriorities - 1; p >= 0; p-- {
		c.reqTree.removeOverlapping(&a.requests[p][requestWaiting], first, first+size-1, a.geom, func(i Idx) bool {
			b.refs++

			if _, missing := c.firstUnfilled(i, 0, false); !missing {
				moved = append(moved, i)

				return true
			}

			return false
		})
	}

	for _, i := range moved {
		r := c.reqs.Get(i)
		r.status = requestInFlight
		c.reqTree.insert(&a.requests[r.priority][requestInFlight], i, a.geom)
	}

	c.readHead = makeKey(a.index, first+size)

	slot := c.takeSlot()
	order := readOrder{
		slot:    slot,
		block:   bi,
		archive: a.index,
		handle:  a.handle,
		path:    a.path,
		offset:  int64(first),
		size:    int64(size),
		attempt: 1,
	}
	c.slots[slot].order = order
	s.issue = append(s.issue, order)

	c.stats.Reads++
	c.m.reads.Inc()

	c.log.Debugw("block scheduled",
		"archive", a.path, "offset", first, "size", size,
		"priority", pri.String(), "refs", b.refs, "promoted", len(moved))
}

// issue starts the read for o. The op is released once both its completion
// has been handled and IssueRead has returned, since a device may complete
// inline.
func (c *Cache) issue(o readOrder) {
	var refs atomic.Int32
	refs.Store(2)

	release := func(op storage.PendingOp) {
		if refs.Add(-1) == 0 {
			op.Release()
		}
	}

	op := o.handle.IssueRead(o.offset, o.size, func(op storage.PendingOp) {
		c.readDone(o, op)
		release(op)
	})
	release(op)
}

func (c *Cache) takeSlot() int {
	for i := range c.slots {
		if !c.slots[i].busy {
			c.slots[i].busy = true
			c.freeSlots--
			c.m.outstanding.Inc()

			return i
		}
	}

	panic("pakcache: no free read slot")
}

func (c *Cache) freeSlot(i int) {
	c.slots[i] = readSlot{}
	c.freeSlots++
	c.m.outstanding.Dec()

	if c.freeSlots == len(c.slots) {
		c.drained.Broadcast()
	}
}

func (c *Cache) alignDown(v uint64) uint64 {
	return v &^ (uint64(1)<<c.granShift - 1)
}
