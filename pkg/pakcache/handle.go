package pakcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Request is the caller's handle to one queued byte range.
//
// A Request keeps the cached blocks under its range alive until it is
// closed or canceled. Every Request must eventually be closed.
//
// Request is safe for concurrent use.
type Request struct {
	c        *Cache
	id       uint64
	archive  string
	offset   int64
	size     int64
	priority Priority
	fn       func(*Request)

	done     chan struct{}
	once     sync.Once
	canceled atomic.Bool
}

// Archive returns the archive path the request reads from.
func (r *Request) Archive() string { return r.archive }

// Offset returns the first byte of the range.
func (r *Request) Offset() int64 { return r.offset }

// Size returns the length of the range.
func (r *Request) Size() int64 { return r.size }

// Priority returns the priority the request was queued with.
func (r *Request) Priority() Priority { return r.priority }

// Done returns a channel closed when the request completes, fails, or is
// canceled.
func (r *Request) Done() <-chan struct{} { return r.done }

// Ready reports whether the request has completed or failed.
func (r *Request) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the request is ready or timeout passes, and reports
// whether it is ready. A timeout <= 0 waits forever.
func (r *Request) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-r.done

		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-r.done:
		return true
	case <-t.C:
		return false
	}
}

// WaitContext blocks until the request is ready or ctx is done.
func (r *Request) WaitContext(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s at %d: %w", r.archive, r.offset, ctx.Err())
	}
}

// Bytes returns a copy of the requested range.
//
// Returns [ErrNotReady] before completion, [ErrCanceled] after Cancel or
// Close, and the failure error (wrapping [ErrRead], [ErrIntegrity] or
// [ErrClosed]) for a failed request.
func (r *Request) Bytes() ([]byte, error) {
	buf := make([]byte, r.size)

	if _, err := r.ReadInto(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadInto copies the requested range into dst and returns the number of
// bytes copied. It fails like [Request.Bytes], and with [ErrShortBuffer]
// when dst is smaller than the request.
func (r *Request) ReadInto(dst []byte) (int, error) {
	if int64(len(dst)) < r.size {
		return 0, fmt.Errorf("%w: %d bytes for a %d byte request", ErrShortBuffer, len(dst), r.size)
	}

	if r.canceled.Load() {
		return 0, ErrCanceled
	}

	return r.c.readCompleted(r.id, dst[:r.size])
}

// Cancel withdraws the request and releases its blocks. The callback, if
// it has not run yet, never runs. Cancel is idempotent and may be called
// from a callback.
func (r *Request) Cancel() {
	if r.canceled.Swap(true) {
		return
	}

	r.c.cancel(r.id)
	r.finish()
}

// Close releases the request. It is Cancel under the io.Closer name, so
// handles can be deferred.
func (r *Request) Close() error {
	r.Cancel()

	return nil
}

// finish closes done and reports whether this call closed it.
func (r *Request) finish() bool {
	fired := false

	r.once.Do(func() {
		close(r.done)
		fired = true
	})

	return fired
}

// notify runs on completion or failure, outside the cache lock.
func (r *Request) notify() {
	if r.finish() && r.fn != nil && !r.canceled.Load() {
		r.fn(r)
	}
}
