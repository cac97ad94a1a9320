package pakcache

import "errors"

// Sentinel errors returned by pakcache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	data, err := req.Bytes()
//	if errors.Is(err, pakcache.ErrIntegrity) {
//	    // archive is damaged; stop reading from it
//	}
var (
	// ErrOpen indicates the storage device could not open the archive.
	// The device error is wrapped.
	//
	// Recovery: check the path and retry the request.
	ErrOpen = errors.New("pakcache: open archive")

	// ErrInvalidRange indicates a request with a zero size, a negative
	// offset, or a range extending past the archive end.
	//
	// This is a programming error.
	ErrInvalidRange = errors.New("pakcache: invalid range")

	// ErrSizeMismatch indicates a request named an archive size different
	// from the size it was registered with.
	//
	// This is a programming error, or the archive was replaced on disk.
	ErrSizeMismatch = errors.New("pakcache: archive size mismatch")

	// ErrTooManyArchives indicates the archive registry is full.
	ErrTooManyArchives = errors.New("pakcache: too many archives")

	// ErrRead indicates the storage read for part of the request failed
	// after all retry attempts. The last device error is wrapped.
	//
	// Recovery: re-request the range; the failed block is not cached.
	ErrRead = errors.New("pakcache: read failed")

	// ErrIntegrity indicates fetched bytes did not match their signature.
	// Integrity failures are never retried.
	//
	// Recovery: the archive is damaged; rebuild or re-download it.
	ErrIntegrity = errors.New("pakcache: integrity check failed")

	// ErrCanceled indicates the request was canceled before it completed.
	ErrCanceled = errors.New("pakcache: request canceled")

	// ErrNotReady indicates [Request.Bytes] was called before completion.
	//
	// Recovery: [Request.Wait] first.
	ErrNotReady = errors.New("pakcache: request not ready")

	// ErrShortBuffer indicates the destination passed to [Request.ReadInto]
	// is smaller than the request.
	ErrShortBuffer = errors.New("pakcache: short buffer")

	// ErrClosed indicates the [Cache] has been closed.
	ErrClosed = errors.New("pakcache: closed")
)
