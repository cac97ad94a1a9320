package pakcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/pakcache/pkg/storage"
)

// readDone is the storage completion callback. It runs without the lock.
func (c *Cache) readDone(o readOrder, op storage.PendingOp) {
	data, err := op.Result()
	if err == nil && int64(len(data)) != o.size {
		err = fmt.Errorf("short read of %s at %d: got %d of %d bytes", o.path, o.offset, len(data), o.size)
	}

	integrity := false

	if err == nil && c.opts.Verifier != nil {
		if verr := c.opts.Verifier.Verify(o.path, o.offset, data); verr != nil {
			err = fmt.Errorf("%w: %s at %d: %w", ErrIntegrity, o.path, o.offset, verr)
			integrity = true
		}
	}

	c.do(func(s *session) {
		if err != nil {
			c.readFailed(s, o, err, integrity)

			return
		}

		c.completeRead(s, o, data)
	})
}

// readFailed schedules a retry of o, or fails its block once attempts are
// exhausted. The read slot stays taken while a retry is pending.
func (c *Cache) readFailed(s *session, o readOrder, err error, integrity bool) {
	if integrity || o.attempt >= c.opts.MaxReadAttempts || c.closed {
		c.failBlock(s, o, err)

		return
	}

	delay := c.opts.retryDelay(o.attempt)
	o.attempt++
	c.slots[o.slot].order = o

	c.stats.Retries++
	c.m.retries.Inc()

	c.log.Warnw("read failed, retrying",
		"archive", o.path, "offset", o.offset, "size", o.size,
		"attempt", o.attempt, "delay", delay, "err", err.Error())

	time.AfterFunc(delay, func() { c.retry(o) })
}

func (c *Cache) retry(o readOrder) {
	c.do(func(s *session) {
		if c.closed {
			c.failBlock(s, o, ErrClosed)

			return
		}

		a := c.archives[o.archive]

		if c.blocks.Get(o.block).refs == 0 {
			c.blockTree.remove(&a.blocks[blockInFlight], o.block, a.geom)
			c.blocks.Free(o.block)
			c.freeSlot(o.slot)
			c.log.Debugw("retry dropped, no requests left", "archive", o.path, "offset", o.offset)
			c.startReads(s)

			return
		}

		c.stats.Reads++
		c.m.reads.Inc()
		s.issue = append(s.issue, o)
	})
}

// failBlock drops the in-flight block of o and fails every request that
// overlaps it.
func (c *Cache) failBlock(s *session, o readOrder, err error) {
	a := c.archives[o.archive]
	lo, hi := c.blocks.Get(o.block).bounds()

	if !c.blockTree.remove(&a.blocks[blockInFlight], o.block, a.geom) {
		panic("pakcache: failed block is not in flight")
	}

	c.blocks.Free(o.block)
	c.freeSlot(o.slot)

	if !errors.Is(err, ErrIntegrity) && !errors.Is(err, ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrRead, err)
	}

	c.log.Errorw("read failed",
		"archive", o.path, "offset", o.offset, "size", o.size,
		"attempts", o.attempt, "err", err.Error())

	for p := range a.requests {
		c.failRequests(s, a, &a.requests[p][requestWaiting], lo, hi, err)
		c.failRequests(s, a, &a.requests[p][requestInFlight], lo, hi, err)
	}

	c.startReads(s)
}

// failRequests unlinks every request in root overlapping [lo, hi], releases
// its block references, and completes it with err.
func (c *Cache) failRequests(s *session, a *archive, root *Idx, lo, hi uint64, err error) {
	var failed []Idx

	c.reqTree.removeOverlapping(root, lo, hi, a.geom, func(i Idx) bool {
		failed = append(failed, i)

		return true
	})

	reason := failureReason(err)

	for _, i := range failed {
		r := c.reqs.Get(i)
		rlo, rhi := r.bounds()
		c.releaseRefs(a, rlo, rhi)

		r.status = requestFailed
		r.err = err

		c.stats.Failures++
		c.m.failures.WithLabelValues(reason).Inc()
		s.notify = append(s.notify, r.owner)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "read"
	}
}

// completeRead moves the block of o to complete and completes every
// in-flight request it finishes. A block nobody references any more is
// dropped.
func (c *Cache) completeRead(s *session, o readOrder, data []byte) {
	a := c.archives[o.archive]
	b := c.blocks.Get(o.block)

	if !c.blockTree.remove(&a.blocks[blockInFlight], o.block, a.geom) {
		panic("pakcache: completed block is not in flight")
	}

	c.freeSlot(o.slot)

	c.stats.FetchedBytes += b.size
	c.m.fetchedBytes.Add(float64(b.size))

	if b.refs == 0 {
		c.stats.DiscardedBytes += b.size
		c.m.discardedBytes.Add(float64(b.size))
		c.blocks.Free(o.block)
		c.startReads(s)

		return
	}

	b.memory = data
	b.status = blockComplete
	c.blockMemory += int64(b.size)
	c.stats.BlockMemoryHigh = max(c.stats.BlockMemoryHigh, c.blockMemory)
	c.m.blockMemory.Set(float64(c.blockMemory))
	c.blockTree.insert(&a.blocks[blockComplete], o.block, a.geom)

	lo, hi := b.bounds()

	var done []Idx

	for p := range a.requests {
		c.reqTree.removeOverlapping(&a.requests[p][requestInFlight], lo, hi, a.geom, func(i Idx) bool {
			if _, missing := c.firstUnfilled(i, 0, false); missing {
				return false
			}

			done = append(done, i)

			return true
		})
	}

	for _, i := range done {
		r := c.reqs.Get(i)
		r.status = requestComplete
		c.completed++
		c.reqTree.insert(&a.requests[r.priority][requestComplete], i, a.geom)
		s.notify = append(s.notify, r.owner)
	}

	c.log.Debugw("block complete",
		"archive", o.path, "offset", o.offset, "size", o.size,
		"refs", b.refs, "completed", len(done))

	c.startReads(s)
}

// removeRequest forgets a request and drops its block references.
func (c *Cache) removeRequest(s *session, idx Idx) {
	r := c.reqs.Get(idx)
	delete(c.outstanding, r.id)

	if r.status != requestFailed {
		a := c.archives[r.key.archive()]

		if !c.reqTree.remove(&a.requests[r.priority][r.status], idx, a.geom) {
			panic(fmt.Sprintf("pakcache: request %d missing from its tree", r.id))
		}

		if r.status == requestComplete {
			c.completed--
		}

		lo, hi := r.bounds()
		c.releaseRefs(a, lo, hi)
	}

	c.reqs.Free(idx)
	c.startReads(s)
}

// releaseRefs drops one reference from every block overlapping [lo, hi].
// Complete blocks reaching zero are freed; in-flight ones are dropped when
// their read finishes.
func (c *Cache) releaseRefs(a *archive, lo, hi uint64) {
	c.blockTree.removeOverlapping(&a.blocks[blockComplete], lo, hi, a.geom, func(bi Idx) bool {
		b := c.blocks.Get(bi)
		if b.refs == 0 {
			panic("pakcache: block reference underflow")
		}

		b.refs--
		if b.refs > 0 {
			return false
		}

		c.blockMemory -= int64(b.size)
		c.m.blockMemory.Set(float64(c.blockMemory))
		c.blocks.Free(bi)

		return true
	})

	c.blockTree.overlapping(a.blocks[blockInFlight], lo, hi, a.geom, func(bi Idx) bool {
		b := c.blocks.Get(bi)
		if b.refs == 0 {
			panic("pakcache: block reference underflow")
		}

		b.refs--

		return true
	})
}
