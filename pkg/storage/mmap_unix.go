//go:build unix

package storage

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapDevice maps archives read-only into memory. Reads copy out of the
// mapping on a goroutine, so completions stay asynchronous like
// [FileDevice]. The page cache does the actual I/O.
//
// MmapDevice opens files with [os.Open] directly: a mapping needs a real
// file descriptor, which [fs.File] does not expose.
type MmapDevice struct{}

// NewMmapDevice returns a [MmapDevice].
func NewMmapDevice() *MmapDevice {
	return &MmapDevice{}
}

// Open maps path into memory. An empty file opens with no mapping.
func (d *MmapDevice) Open(path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	h := &mmapHandle{path: path, size: info.Size()}
	if h.size == 0 {
		return h, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(h.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap archive: %w", err)
	}

	// Block reads are scattered; kernel readahead only wastes page cache.
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	h.data = data

	return h, nil
}

type mmapHandle struct {
	path string
	size int64
	data []byte

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func (h *mmapHandle) Path() string { return h.path }

func (h *mmapHandle) Size() int64 { return h.size }

func (h *mmapHandle) IssueRead(offset, size int64, done func(PendingOp)) PendingOp {
	o := opPool.Get().(*op)
	o.offset, o.size = offset, size

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()

		o.err = fmt.Errorf("read %s at %d: %w", h.path, offset, ErrClosed)
		go done(o)

		return o
	}

	h.inflight.Add(1)
	h.mu.RUnlock()

	go func() {
		defer h.inflight.Done()

		if offset < 0 || size < 0 || offset+size > h.size {
			o.err = fmt.Errorf("read %s at %d+%d (size %d): %w", h.path, offset, size, h.size, ErrOutOfRange)
		} else {
			o.data = make([]byte, size)
			copy(o.data, h.data[offset:offset+size])
		}

		done(o)
	}()

	return o
}

func (h *mmapHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return nil
	}

	h.closed = true
	h.mu.Unlock()

	h.inflight.Wait()

	if h.data == nil {
		return nil
	}

	err := unix.Munmap(h.data)
	h.data = nil

	if err != nil {
		return fmt.Errorf("munmap archive: %w", err)
	}

	return nil
}

var (
	_ Device = (*MmapDevice)(nil)
	_ Handle = (*mmapHandle)(nil)
)
