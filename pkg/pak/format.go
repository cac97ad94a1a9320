package pak

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// PAK1 file format constants.
//
// An archive is the stored entry data back to back, followed by the index
// and a fixed-size footer:
//
//	[entry 0 data][entry 1 data]...[index][footer]
//
// All integers are little endian.
const (
	footerMagic   uint32 = 0x5A6F12E1
	formatVersion uint32 = 1

	// FooterSize is the fixed footer length at the end of every archive.
	FooterSize = 64

	// DefaultBlockSize is the uncompressed size of a compression block.
	DefaultBlockSize = 64 << 10

	// DefaultMountPoint is the mount point written when none is set.
	DefaultMountPoint = "../../../"

	maxIndexSize = 256 << 20
	maxNameLen   = 4 << 10
)

// Footer field offsets (bytes from footer start).
const (
	offMagic       = 0x00 // uint32
	offVersion     = 0x04 // uint32
	offIndexOffset = 0x08 // uint64
	offIndexSize   = 0x10 // uint64
	offIndexHash   = 0x18 // [32]byte blake2b-256 of the index
	offNonce       = 0x38 // [8]byte archive nonce for entry encryption
)

// Entry flags.
const (
	flagEncrypted uint8 = 1 << 0
)

// Compression is the codec of an entry's stored blocks.
type Compression uint8

// Supported codecs.
const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
	numCompression
)

var compressionNames = [numCompression]string{"none", "snappy", "zstd"}

func (c Compression) String() string {
	if c < numCompression {
		return compressionNames[c]
	}

	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression parses the names printed by [Compression.String].
func ParseCompression(s string) (Compression, error) {
	for i, name := range compressionNames {
		if strings.EqualFold(s, name) {
			return Compression(i), nil
		}
	}

	return 0, fmt.Errorf("unknown compression %q (want none, snappy or zstd)", s)
}

// Block is the stored byte range of one compression block, relative to the
// entry's Offset.
type Block struct {
	Start int64
	End   int64
}

// Entry describes one file in an archive.
type Entry struct {
	Name        string
	Offset      int64 // archive offset of the stored data
	StoredSize  int64 // bytes on disk
	Size        int64 // bytes after decoding
	Hash        [blake2b.Size256]byte
	Compression Compression
	Encrypted   bool
	BlockSize   int64   // uncompressed bytes per block, compressed entries only
	Blocks      []Block // compressed entries only
}

// Stored reports the archive range holding the entry.
func (e *Entry) Stored() (offset, size int64) {
	return e.Offset, e.StoredSize
}

type footer struct {
	indexOffset int64
	indexSize   int64
	indexHash   [blake2b.Size256]byte
	nonce       [8]byte
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(buf[offMagic:], footerMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint64(buf[offIndexOffset:], uint64(f.indexOffset))
	binary.LittleEndian.PutUint64(buf[offIndexSize:], uint64(f.indexSize))
	copy(buf[offIndexHash:], f.indexHash[:])
	copy(buf[offNonce:], f.nonce[:])

	return buf
}

// decodeFooter parses and validates a footer read from an archive of
// archiveSize bytes.
func decodeFooter(buf []byte, archiveSize int64) (footer, error) {
	var f footer

	if len(buf) != FooterSize {
		return f, fmt.Errorf("%w: footer is %d bytes", ErrFormat, len(buf))
	}

	if m := binary.LittleEndian.Uint32(buf[offMagic:]); m != footerMagic {
		return f, fmt.Errorf("%w: bad magic %#x", ErrFormat, m)
	}

	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != formatVersion {
		return f, fmt.Errorf("%w: version %d (want %d)", ErrIncompatible, v, formatVersion)
	}

	off := binary.LittleEndian.Uint64(buf[offIndexOffset:])
	size := binary.LittleEndian.Uint64(buf[offIndexSize:])
	limit := uint64(archiveSize - FooterSize)

	if off > limit || size > limit-off || size > maxIndexSize {
		return f, fmt.Errorf("%w: index %d+%d outside archive of %d bytes", ErrFormat, off, size, archiveSize)
	}

	f.indexOffset = int64(off)
	f.indexSize = int64(size)
	copy(f.indexHash[:], buf[offIndexHash:])
	copy(f.nonce[:], buf[offNonce:])

	return f, nil
}

// encodeIndex serializes the mount point and entries.
func encodeIndex(mount string, entries []Entry) []byte {
	var buf []byte

	buf = appendString(buf, mount)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))

	for i := range entries {
		e := &entries[i]
		buf = appendString(buf, e.Name)
		buf = binary.AppendUvarint(buf, uint64(e.Offset))
		buf = binary.AppendUvarint(buf, uint64(e.StoredSize))
		buf = binary.AppendUvarint(buf, uint64(e.Size))
		buf = append(buf, e.Hash[:]...)
		buf = append(buf, byte(e.Compression))

		var flags uint8
		if e.Encrypted {
			flags |= flagEncrypted
		}

		buf = append(buf, flags)

		if e.Compression != CompressionNone {
			buf = binary.AppendUvarint(buf, uint64(e.BlockSize))
			buf = binary.AppendUvarint(buf, uint64(len(e.Blocks)))

			for _, b := range e.Blocks {
				buf = binary.AppendUvarint(buf, uint64(b.Start))
				buf = binary.AppendUvarint(buf, uint64(b.End-b.Start))
			}
		}
	}

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))

	return append(buf, s...)
}

// indexDecoder reads index fields and remembers the first error.
type indexDecoder struct {
	buf []byte
	err error
}

func (d *indexDecoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: index: %s", ErrFormat, fmt.Sprintf(format, args...))
	}
}

func (d *indexDecoder) uvarint(what string) uint64 {
	if d.err != nil {
		return 0
	}

	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail("truncated %s", what)

		return 0
	}

	d.buf = d.buf[n:]

	return v
}

// int64 reads a uvarint that must fit an int64.
func (d *indexDecoder) int64(what string) int64 {
	v := d.uvarint(what)
	if v > math.MaxInt64 {
		d.fail("%s %d overflows", what, v)

		return 0
	}

	return int64(v)
}

func (d *indexDecoder) bytes(n int, what string) []byte {
	if d.err != nil {
		return nil
	}

	if len(d.buf) < n {
		d.fail("truncated %s", what)

		return nil
	}

	b := d.buf[:n]
	d.buf = d.buf[n:]

	return b
}

func (d *indexDecoder) string(what string) string {
	n := d.uvarint(what)
	if n > maxNameLen {
		d.fail("%s of %d bytes", what, n)

		return ""
	}

	return string(d.bytes(int(n), what))
}

// decodeIndex parses an index and checks every entry against the data
// region [0, dataEnd).
func decodeIndex(buf []byte, dataEnd int64) (string, []Entry, error) {
	d := &indexDecoder{buf: buf}
	mount := d.string("mount point")
	count := d.uvarint("entry count")

	// Each entry needs at least its hash.
	if d.err == nil && count > uint64(len(d.buf)/blake2b.Size256) {
		d.fail("entry count %d exceeds index size", count)
	}

	entries := make([]Entry, 0, count)
	seen := make(map[string]bool, count)

	for i := uint64(0); i < count && d.err == nil; i++ {
		var e Entry

		e.Name = d.string("entry name")
		e.Offset = d.int64("entry offset")
		e.StoredSize = d.int64("stored size")
		e.Size = d.int64("size")
		copy(e.Hash[:], d.bytes(blake2b.Size256, "hash"))

		if b := d.bytes(2, "entry flags"); b != nil {
			e.Compression = Compression(b[0])
			e.Encrypted = b[1]&flagEncrypted != 0
		}

		if e.Compression != CompressionNone {
			e.BlockSize = d.int64("block size")
			n := d.uvarint("block count")

			if d.err == nil && n > uint64(len(d.buf)/2) {
				d.fail("block count %d exceeds index size", n)
			}

			for j := uint64(0); j < n && d.err == nil; j++ {
				start := d.int64("block start")
				size := d.int64("block size")
				e.Blocks = append(e.Blocks, Block{Start: start, End: start + size})
			}
		}

		if d.err != nil {
			break
		}

		if err := validateEntry(&e, dataEnd); err != nil {
			return "", nil, err
		}

		if seen[e.Name] {
			return "", nil, fmt.Errorf("%w: duplicate entry %q", ErrFormat, e.Name)
		}

		seen[e.Name] = true
		entries = append(entries, e)
	}

	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}

	if d.err != nil {
		return "", nil, d.err
	}

	return mount, entries, nil
}

func validateEntry(e *Entry, dataEnd int64) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: entry %q: %s", ErrFormat, e.Name, fmt.Sprintf(format, args...))
	}

	switch {
	case e.Name == "":
		return bad("empty name")
	case e.Compression >= numCompression:
		return bad("unknown compression %d", e.Compression)
	case e.Offset > dataEnd || e.StoredSize > dataEnd-e.Offset:
		return bad("data %d+%d outside archive data", e.Offset, e.StoredSize)
	}

	if e.Compression == CompressionNone {
		if e.StoredSize != e.Size {
			return bad("stored size %d != size %d", e.StoredSize, e.Size)
		}

		return nil
	}

	if e.BlockSize <= 0 || e.BlockSize > 64<<20 {
		return bad("block size %d", e.BlockSize)
	}

	if want := (e.Size + e.BlockSize - 1) / e.BlockSize; int64(len(e.Blocks)) != want {
		return bad("%d blocks, want %d", len(e.Blocks), want)
	}

	var prev int64

	for i, b := range e.Blocks {
		if b.Start != prev || b.End <= b.Start || b.End > e.StoredSize {
			return bad("block %d [%d, %d) not contiguous within %d stored bytes", i, b.Start, b.End, e.StoredSize)
		}

		prev = b.End
	}

	if prev != e.StoredSize {
		return bad("blocks cover %d of %d stored bytes", prev, e.StoredSize)
	}

	return nil
}
