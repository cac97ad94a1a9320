package pak

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/calvinalkan/pakcache/pkg/fs"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// MountPoint is recorded in the index; entry names are relative to it.
	// Default: DefaultMountPoint.
	MountPoint string

	// Compression is the codec for entries. Entries that do not shrink are
	// stored uncompressed.
	// Default: CompressionNone.
	Compression Compression

	// BlockSize is the uncompressed size of each compression block.
	// Default: DefaultBlockSize.
	BlockSize int

	// Key, if set, encrypts every entry. Must be KeySize bytes.
	Key []byte

	// Logger receives one debug event per entry. Default: no-op.
	Logger *zap.SugaredLogger
}

func (o *WriterOptions) norm() (*WriterOptions, error) {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.MountPoint == "" {
		oo.MountPoint = DefaultMountPoint
	}

	if oo.Compression >= numCompression {
		return nil, fmt.Errorf("pak: unknown compression %d", oo.Compression)
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = DefaultBlockSize
	}

	if oo.Key != nil && len(oo.Key) != KeySize {
		return nil, fmt.Errorf("pak: key is %d bytes, want %d", len(oo.Key), KeySize)
	}

	if oo.Logger == nil {
		oo.Logger = zap.NewNop().Sugar()
	}

	return &oo, nil
}

// Writer instances can write an archive.
type Writer struct {
	w     io.Writer
	o     *WriterOptions
	comp  *compressor
	nonce [8]byte

	off     int64
	entries []Entry
	names   map[string]bool
	closed  bool
}

// NewWriter wraps a writer and returns a Writer.
func NewWriter(w io.Writer, o *WriterOptions) (*Writer, error) {
	oo, err := o.norm()
	if err != nil {
		return nil, err
	}

	comp, err := newCompressor(oo.Compression)
	if err != nil {
		return nil, err
	}

	wr := &Writer{w: w, o: oo, comp: comp, names: make(map[string]bool)}

	if oo.Key != nil {
		if _, err := rand.Read(wr.nonce[:]); err != nil {
			return nil, fmt.Errorf("pak: archive nonce: %w", err)
		}
	}

	return wr, nil
}

// Add appends a file. Names use forward slashes and are unique.
func (w *Writer) Add(name string, data []byte) error {
	if w.closed {
		return errClosed
	}

	name = path.Clean(strings.TrimPrefix(name, "/"))
	if name == "." || name == "" {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	if w.names[name] {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}

	e := Entry{
		Name:   name,
		Offset: w.off,
		Size:   int64(len(data)),
		Hash:   blake2b.Sum256(data),
	}

	stored := data

	if w.o.Compression != CompressionNone && len(data) > 0 {
		if packed, blocks := w.compressBlocks(data); len(packed) < len(data) {
			stored = packed
			e.Compression = w.o.Compression
			e.BlockSize = int64(w.o.BlockSize)
			e.Blocks = blocks
		}
	}

	if w.o.Key != nil {
		// Uncompressed entries still alias the caller's data.
		if e.Compression == CompressionNone {
			stored = bytes.Clone(stored)
		}

		if err := xorStream(w.o.Key, entryNonce(w.nonce, name), 0, stored); err != nil {
			return err
		}

		e.Encrypted = true
	}

	e.StoredSize = int64(len(stored))

	if _, err := w.w.Write(stored); err != nil {
		return fmt.Errorf("pak: write %s: %w", name, err)
	}

	w.off += e.StoredSize
	w.entries = append(w.entries, e)
	w.names[name] = true

	w.o.Logger.Debugw("entry added",
		"name", name, "size", e.Size, "stored", e.StoredSize,
		"compression", e.Compression.String(), "encrypted", e.Encrypted)

	return nil
}

func (w *Writer) compressBlocks(data []byte) ([]byte, []Block) {
	var (
		out    []byte
		blocks []Block
	)

	for start := 0; start < len(data); start += w.o.BlockSize {
		end := min(start+w.o.BlockSize, len(data))
		b := Block{Start: int64(len(out))}
		out = w.comp.compress(out, data[start:end])
		b.End = int64(len(out))
		blocks = append(blocks, b)
	}

	return out, blocks
}

// Entries returns the entries added so far.
func (w *Writer) Entries() []Entry {
	return w.entries
}

// Close writes the index and footer. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if w.closed {
		return errClosed
	}

	w.closed = true

	index := encodeIndex(w.o.MountPoint, w.entries)
	f := footer{
		indexOffset: w.off,
		indexSize:   int64(len(index)),
		indexHash:   blake2b.Sum256(index),
		nonce:       w.nonce,
	}

	if _, err := w.w.Write(index); err != nil {
		return fmt.Errorf("pak: write index: %w", err)
	}

	if _, err := w.w.Write(encodeFooter(f)); err != nil {
		return fmt.Errorf("pak: write footer: %w", err)
	}

	return w.comp.close()
}

// File is one input to [WriteFile].
type File struct {
	Name string
	Data []byte
}

// WriteFile builds an archive from files and writes it to path atomically,
// together with a signature sidecar of chunk-sized xxhash sums at
// SignaturePath(path). chunk <= 0 skips the sidecar.
func WriteFile(fsys fs.FS, path string, files []File, o *WriterOptions, chunk int64) ([]Entry, error) {
	var buf bytes.Buffer

	w, err := NewWriter(&buf, o)
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		if err := w.Add(f.Name, f.Data); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	if err := fsys.WriteFileAtomic(path, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, fmt.Errorf("pak: write %s: %w", path, err)
	}

	if chunk > 0 {
		sig := ComputeSignatures(buf.Bytes(), chunk)
		if err := fsys.WriteFileAtomic(SignaturePath(path), bytes.NewReader(sig.Encode())); err != nil {
			return nil, fmt.Errorf("pak: write signatures: %w", err)
		}
	}

	return w.Entries(), nil
}
