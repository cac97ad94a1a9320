// Package pakcache caches byte ranges of read-only archives and schedules
// the storage reads that fill it.
//
// Callers queue range requests with a [Priority]. The cache coalesces
// overlapping and nearby requests into granule-aligned blocks, reads each
// block once, and keeps it only while some live request overlaps it. A block
// is fetched at most once for any set of concurrently live requests.
//
// # Basic Usage
//
//	cache, err := pakcache.New(&pakcache.Options{
//	    Device:      storage.NewFileDevice(fs.NewReal()),
//	    Granularity: 64 << 10,
//	})
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	req, err := cache.QueueRequest("/data/game.pak", 0, offset, size, pakcache.PriorityNormal)
//	if err != nil {
//	    return err
//	}
//	defer req.Close()
//
//	req.Wait(0)
//	data, err := req.Bytes()
//
// # Scheduling
//
// At most MaxOutstandingReads reads are issued at once. A free read slot
// goes to the highest priority that has waiting requests; within it, the
// lowest missing offset at or after the last read position wins, wrapping
// to the start of the first archive. The block started there extends over
// every missing granule wanted by waiting requests at most three priority
// levels below, up to MaxBlockSize. [PriorityPrecache] requests are held
// back while block memory exceeds MemoryBudget.
//
// # Concurrency
//
//   - [Cache] and [Request] are safe for concurrent use
//   - Completion callbacks run outside the cache lock and may queue, read,
//     cancel, or close requests
//   - Storage reads are issued outside the lock; a [storage.Device] may
//     complete them synchronously
//   - [Cache.Close] must not be called from a callback
//
// # Error Handling
//
// Failures are delivered per request through [Request.Bytes]:
//
// Read errors ([ErrRead]): the block is retried MaxReadAttempts times with
// backoff first. Re-request the range to try again.
//
// Integrity errors ([ErrIntegrity]): the [Verifier] rejected the bytes.
// They are not retried; the archive is damaged.
//
// Programming errors ([ErrInvalidRange], [ErrSizeMismatch]) are returned by
// [Cache.QueueRequest] and never reach a request.
package pakcache
