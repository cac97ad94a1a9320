// Package fs provides the filesystem seam used to read sealed archives and
// write new ones, with a fault-injecting implementation for tests.
//
// The main types are:
//   - [FS]: interface for the filesystem operations the archive tooling needs
//   - [File]: interface for open read-only files (satisfied by [os.File])
//   - [Real]: production implementation using [os] and atomic renames
//   - [Chaos]: testing implementation that injects random failures
//
// Example usage:
//
//	fsys := fs.NewReal()
//	f, err := fsys.Open("data.pak")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	// Positional reads are safe from many goroutines:
//	buf := make([]byte, 4096)
//	_, err = f.ReadAt(buf, 1<<20)
package fs

import (
	"io"
	"os"
)

// File represents an open, read-only file.
//
// This interface is satisfied by [os.File]. ReadAt must be safe to call from
// multiple goroutines at once, as [os.File.ReadAt] is; the storage layer
// issues overlapping positional reads against a single handle.
//
// Example:
//
//	f, _ := fsys.Open("data.pak")
//	defer f.Close()
//
//	sr := io.NewSectionReader(f, 0, size)
//	io.Copy(os.Stdout, sr)
type File interface {
	io.Reader
	io.ReaderAt
	io.Closer

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)
}

// FS defines the filesystem operations used by the archive reader, writer,
// and command line tool.
//
// Implementations in this package include:
//   - [Real]: production use, wraps [os] package
//   - [Chaos]: testing use, injects random failures
//
// Paths use OS semantics (like the os package and path/filepath), not the
// slash-separated paths used by the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes everything from r to path so that readers see
	// either the old contents or the new contents, never a mix. The data is
	// written to a temporary file in the same directory and renamed over path.
	WriteFileAtomic(path string, r io.Reader) error

	// ReadDir reads a directory and returns its entries sorted by name.
	// See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
