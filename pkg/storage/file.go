package storage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/calvinalkan/pakcache/pkg/fs"
)

// FileDevice reads archives through an [fs.FS]. Every issued read runs on its
// own goroutine using [fs.File.ReadAt].
type FileDevice struct {
	fs fs.FS
}

// NewFileDevice returns a [FileDevice] reading through fsys.
// Panics if fsys is nil.
func NewFileDevice(fsys fs.FS) *FileDevice {
	if fsys == nil {
		panic("fs is nil")
	}

	return &FileDevice{fs: fsys}
}

// Open opens path and stats it for its size.
func (d *FileDevice) Open(path string) (Handle, error) {
	f, err := d.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("stat archive: %w", err)
	}

	return &fileHandle{f: f, path: path, size: info.Size()}, nil
}

type fileHandle struct {
	f    fs.File
	path string
	size int64

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func (h *fileHandle) Path() string { return h.path }

func (h *fileHandle) Size() int64 { return h.size }

func (h *fileHandle) IssueRead(offset, size int64, done func(PendingOp)) PendingOp {
	op := opPool.Get().(*op)
	op.offset, op.size = offset, size

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		op.err = fmt.Errorf("read %s at %d: %w", h.path, offset, ErrClosed)
		go done(op)

		return op
	}

	h.inflight.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.inflight.Done()

		op.data, op.err = h.read(offset, size)
		done(op)
	}()

	return op
}

func (h *fileHandle) read(offset, size int64) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > h.size {
		return nil, fmt.Errorf("read %s at %d+%d (size %d): %w", h.path, offset, size, h.size, ErrOutOfRange)
	}

	buf := make([]byte, size)

	n, err := h.f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) && int64(n) == size {
		err = nil
	}

	if err != nil {
		return nil, fmt.Errorf("read %s at %d: %w", h.path, offset, err)
	}

	return buf, nil
}

func (h *fileHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return nil
	}

	h.closed = true
	h.mu.Unlock()

	h.inflight.Wait()

	return h.f.Close()
}

var opPool = sync.Pool{
	New: func() any { return new(op) },
}

// op is the [PendingOp] shared by both devices.
type op struct {
	offset int64
	size   int64
	data   []byte
	err    error
}

func (o *op) Offset() int64 { return o.offset }

func (o *op) Size() int64 { return o.size }

func (o *op) Result() ([]byte, error) { return o.data, o.err }

func (o *op) Release() {
	*o = op{}
	opPool.Put(o)
}

var (
	_ Device    = (*FileDevice)(nil)
	_ Handle    = (*fileHandle)(nil)
	_ PendingOp = (*op)(nil)
)
