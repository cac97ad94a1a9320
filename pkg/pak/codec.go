package pak

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// KeySize is the length of an encryption key.
const KeySize = chacha20.KeySize

// zstd decoders are safe for concurrent DecodeAll calls.
var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func zstdDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})

	return decoder, decoderErr
}

// compressor encodes blocks for one writer.
type compressor struct {
	method Compression
	zenc   *zstd.Encoder
}

func newCompressor(method Compression) (*compressor, error) {
	c := &compressor{method: method}

	if method == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}

		c.zenc = enc
	}

	return c, nil
}

func (c *compressor) compress(dst, src []byte) []byte {
	switch c.method {
	case CompressionSnappy:
		return append(dst, snappy.Encode(nil, src)...)
	case CompressionZstd:
		return c.zenc.EncodeAll(src, dst)
	default:
		return append(dst, src...)
	}
}

func (c *compressor) close() error {
	if c.zenc != nil {
		return c.zenc.Close()
	}

	return nil
}

// decompress decodes one block that must expand to exactly size bytes.
func decompress(method Compression, src []byte, size int) ([]byte, error) {
	var (
		out []byte
		err error
	)

	switch method {
	case CompressionNone:
		out = src
	case CompressionSnappy:
		n, lerr := snappy.DecodedLen(src)
		if lerr != nil {
			return nil, fmt.Errorf("%w: snappy: %w", ErrFormat, lerr)
		}

		if n != size {
			return nil, fmt.Errorf("%w: snappy block decodes to %d bytes, want %d", ErrFormat, n, size)
		}

		out, err = snappy.Decode(make([]byte, n), src)
	case CompressionZstd:
		var dec *zstd.Decoder

		dec, err = zstdDecoder()
		if err == nil {
			out, err = dec.DecodeAll(src, make([]byte, 0, size))
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrFormat, method)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFormat, method, err)
	}

	if len(out) != size {
		return nil, fmt.Errorf("%w: %s block decodes to %d bytes, want %d", ErrFormat, method, len(out), size)
	}

	return out, nil
}

// entryNonce derives the stream nonce of an entry from the archive nonce and
// the entry name, so no two entries of one archive share a keystream.
func entryNonce(archive [8]byte, name string) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(archive[:])
	h.Write([]byte(name))

	return h.Sum(nil)[:chacha20.NonceSize]
}

// xorStream applies the entry keystream to buf, which holds the stored bytes
// starting at offset within the entry.
func xorStream(key, nonce []byte, offset int64, buf []byte) error {
	s, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	const blockLen = 64

	s.SetCounter(uint32(offset / blockLen))

	if skip := int(offset % blockLen); skip != 0 {
		var pad [blockLen]byte
		s.XORKeyStream(pad[:skip], pad[:skip])
	}

	s.XORKeyStream(buf, buf)

	return nil
}
