// Package storage is the asynchronous read primitive underneath the archive
// cache.
//
// A [Device] opens archives by path and returns a [Handle]. Reads are issued
// with [Handle.IssueRead] and complete later on an arbitrary goroutine by
// invoking the supplied callback exactly once with the finished [PendingOp].
//
// Two devices are provided:
//   - [FileDevice]: positional reads through a [fs.FS], so tests can swap in
//     [fs.Chaos] and inject faults
//   - [MmapDevice]: read-only memory mapping of the archive (unix only)
package storage

import (
	"errors"
)

// ErrOutOfRange is returned by a read that extends past the end of the file.
var ErrOutOfRange = errors.New("storage: read out of range")

// ErrClosed is returned by a read issued on a closed [Handle].
var ErrClosed = errors.New("storage: handle closed")

// Device opens archives for reading.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Device interface {
	// Open opens the archive at path. The returned [Handle] reports the
	// archive size as it was at open time.
	Open(path string) (Handle, error)
}

// Handle is an open archive on a [Device].
type Handle interface {
	// Path returns the path the handle was opened with.
	Path() string

	// Size returns the archive size in bytes.
	Size() int64

	// IssueRead starts an asynchronous read of size bytes at offset.
	//
	// done is invoked exactly once, from any goroutine, after the read has
	// finished or failed. It may run before IssueRead returns.
	IssueRead(offset, size int64, done func(PendingOp)) PendingOp

	// Close waits for issued reads to invoke their callbacks, then releases
	// the handle.
	Close() error
}

// PendingOp is a single issued read.
type PendingOp interface {
	// Offset returns the archive offset the read started at.
	Offset() int64

	// Size returns the number of bytes requested.
	Size() int64

	// Result returns the bytes read or the error that ended the read. It is
	// only meaningful once the completion callback has run. Ownership of the
	// returned slice passes to the caller.
	Result() ([]byte, error)

	// Release returns the op's resources to the device. Result must not be
	// called after Release.
	Release()
}
