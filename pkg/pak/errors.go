package pak

import "errors"

// Sentinel errors returned by pak operations.
var (
	// ErrFormat indicates the archive footer, index or an entry is malformed.
	//
	// Recovery: the archive is damaged; rebuild it.
	ErrFormat = errors.New("pak: malformed archive")

	// ErrIncompatible indicates an archive written by an unknown format
	// version.
	ErrIncompatible = errors.New("pak: incompatible format version")

	// ErrChecksum indicates decoded bytes do not match their recorded hash.
	//
	// Recovery: the archive is damaged, or the wrong key was used for an
	// encrypted entry.
	ErrChecksum = errors.New("pak: checksum mismatch")

	// ErrNotFound indicates no entry has the requested name.
	ErrNotFound = errors.New("pak: entry not found")

	// ErrNoKey indicates an encrypted entry was read without a key.
	ErrNoKey = errors.New("pak: entry is encrypted and no key is set")

	// ErrUnsafePath indicates an entry name that would escape the
	// extraction directory.
	ErrUnsafePath = errors.New("pak: unsafe entry name")

	// ErrDuplicate indicates [Writer.Add] was called twice with one name.
	ErrDuplicate = errors.New("pak: duplicate entry")

	errClosed = errors.New("pak: writer is closed")
)
