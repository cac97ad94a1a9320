//go:build !unix

package storage

import "errors"

// ErrMmapUnsupported is returned by [MmapDevice.Open] on platforms without mmap.
var ErrMmapUnsupported = errors.New("storage: mmap not supported on this platform")

// MmapDevice is unavailable on this platform; Open always fails.
type MmapDevice struct{}

// NewMmapDevice returns a [MmapDevice].
func NewMmapDevice() *MmapDevice {
	return &MmapDevice{}
}

// Open returns [ErrMmapUnsupported].
func (d *MmapDevice) Open(path string) (Handle, error) {
	return nil, ErrMmapUnsupported
}

var _ Device = (*MmapDevice)(nil)
