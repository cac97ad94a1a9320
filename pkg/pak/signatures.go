package pak

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
)

// Signature sidecar layout: a 32-byte header followed by one uint64 xxhash
// per chunk of the archive.
const (
	sigMagic      uint32 = 0x47534B50 // "PKSG"
	sigVersion    uint32 = 1
	sigHeaderSize        = 32
)

// SignaturePath returns the sidecar path for the archive at path.
func SignaturePath(path string) string {
	return path + ".sig"
}

// Signatures holds per-chunk hashes of a whole archive file. Verification
// works on any chunk-aligned range, so a cache whose granularity is a
// multiple of Chunk can check every block it reads.
type Signatures struct {
	Chunk int64
	Size  int64
	Sums  []uint64
}

// ComputeSignatures hashes data in chunk-sized pieces.
func ComputeSignatures(data []byte, chunk int64) *Signatures {
	s := &Signatures{Chunk: chunk, Size: int64(len(data))}

	for off := int64(0); off < s.Size; off += chunk {
		s.Sums = append(s.Sums, xxhash.Sum64(data[off:min(off+chunk, s.Size)]))
	}

	return s
}

// Encode returns the sidecar encoding of s.
func (s *Signatures) Encode() []byte {
	buf := make([]byte, sigHeaderSize, sigHeaderSize+8*len(s.Sums))
	binary.LittleEndian.PutUint32(buf[0:], sigMagic)
	binary.LittleEndian.PutUint32(buf[4:], sigVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.Chunk))
	binary.LittleEndian.PutUint64(buf[16:], uint64(s.Size))
	binary.LittleEndian.PutUint64(buf[24:], uint64(len(s.Sums)))

	for _, sum := range s.Sums {
		buf = binary.LittleEndian.AppendUint64(buf, sum)
	}

	return buf
}

// DecodeSignatures parses a sidecar.
func DecodeSignatures(buf []byte) (*Signatures, error) {
	if len(buf) < sigHeaderSize {
		return nil, fmt.Errorf("%w: signature file is %d bytes", ErrFormat, len(buf))
	}

	if m := binary.LittleEndian.Uint32(buf[0:]); m != sigMagic {
		return nil, fmt.Errorf("%w: bad signature magic %#x", ErrFormat, m)
	}

	if v := binary.LittleEndian.Uint32(buf[4:]); v != sigVersion {
		return nil, fmt.Errorf("%w: signature version %d", ErrIncompatible, v)
	}

	chunk := int64(binary.LittleEndian.Uint64(buf[8:]))
	size := int64(binary.LittleEndian.Uint64(buf[16:]))
	count := binary.LittleEndian.Uint64(buf[24:])

	if chunk <= 0 || size < 0 {
		return nil, fmt.Errorf("%w: signature chunk %d size %d", ErrFormat, chunk, size)
	}

	if want := (size + chunk - 1) / chunk; uint64(want) != count || uint64(len(buf)-sigHeaderSize) != 8*count {
		return nil, fmt.Errorf("%w: %d signatures for %d bytes in chunks of %d", ErrFormat, count, size, chunk)
	}

	s := &Signatures{Chunk: chunk, Size: size, Sums: make([]uint64, count)}
	for i := range s.Sums {
		s.Sums[i] = binary.LittleEndian.Uint64(buf[sigHeaderSize+8*i:])
	}

	return s, nil
}

// LoadSignatures reads the sidecar of the archive at path.
func LoadSignatures(fsys fs.FS, path string) (*Signatures, error) {
	buf, err := fsys.ReadFile(SignaturePath(path))
	if err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}

	return DecodeSignatures(buf)
}

// Check verifies data read at offset. offset must be chunk aligned and data
// must end on a chunk boundary or at the end of the archive.
func (s *Signatures) Check(offset int64, data []byte) error {
	end := offset + int64(len(data))

	if offset%s.Chunk != 0 || end > s.Size || (end%s.Chunk != 0 && end != s.Size) {
		return fmt.Errorf("range %d+%d is not aligned to %d byte chunks of a %d byte archive", offset, len(data), s.Chunk, s.Size)
	}

	for off := offset; off < end; off += s.Chunk {
		n := min(s.Chunk, end-off)
		if got, want := xxhash.Sum64(data[off-offset:off-offset+n]), s.Sums[off/s.Chunk]; got != want {
			return fmt.Errorf("%w: chunk at %d: xxhash %016x, want %016x", ErrChecksum, off, got, want)
		}
	}

	return nil
}

// SignatureSet verifies cache reads of every archive it holds signatures
// for. Archives without signatures pass unchecked.
//
// SignatureSet is safe for concurrent use.
type SignatureSet struct {
	mu   sync.RWMutex
	sigs map[string]*Signatures
}

// NewSignatureSet returns an empty set.
func NewSignatureSet() *SignatureSet {
	return &SignatureSet{sigs: make(map[string]*Signatures)}
}

// Add registers sig for the archive at path.
func (s *SignatureSet) Add(path string, sig *Signatures) {
	s.mu.Lock()
	s.sigs[path] = sig
	s.mu.Unlock()
}

// Load reads and registers the sidecar of the archive at path.
func (s *SignatureSet) Load(fsys fs.FS, path string) error {
	sig, err := LoadSignatures(fsys, path)
	if err != nil {
		return err
	}

	s.Add(path, sig)

	return nil
}

// Verify implements [pakcache.Verifier].
func (s *SignatureSet) Verify(archive string, offset int64, data []byte) error {
	s.mu.RLock()
	sig := s.sigs[archive]
	s.mu.RUnlock()

	if sig == nil {
		return nil
	}

	return sig.Check(offset, data)
}

var _ pakcache.Verifier = (*SignatureSet)(nil)
