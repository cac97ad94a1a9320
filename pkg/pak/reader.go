package pak

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
)

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// Key decrypts encrypted entries. Must be KeySize bytes when set.
	Key []byte

	// BlockCacheSize is the number of decompressed blocks kept in memory.
	// Default: 64.
	BlockCacheSize int

	// Logger receives open and extract events. Default: no-op.
	Logger *zap.SugaredLogger
}

func (o *ReaderOptions) norm() (*ReaderOptions, error) {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}

	if oo.Key != nil && len(oo.Key) != KeySize {
		return nil, fmt.Errorf("pak: key is %d bytes, want %d", len(oo.Key), KeySize)
	}

	if oo.BlockCacheSize < 1 {
		oo.BlockCacheSize = 64
	}

	if oo.Logger == nil {
		oo.Logger = zap.NewNop().Sugar()
	}

	return &oo, nil
}

// Reader reads entries of one archive through a [pakcache.Cache].
//
// Reader is safe for concurrent use.
type Reader struct {
	cache   *pakcache.Cache
	path    string
	size    int64
	o       *ReaderOptions
	mount   string
	nonce   [8]byte
	entries []Entry
	byName  map[string]int

	blocks *lru.Cache[blockKey, []byte]
	loads  singleflight.Group
}

type blockKey struct {
	entry int
	block int64
}

// Open reads the footer and index of the archive at path through cache.
func Open(ctx context.Context, cache *pakcache.Cache, path string, o *ReaderOptions) (*Reader, error) {
	oo, err := o.norm()
	if err != nil {
		return nil, err
	}

	size, err := cache.Register(path)
	if err != nil {
		return nil, err
	}

	if size < FooterSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, smaller than a footer", ErrFormat, path, size)
	}

	blocks, err := lru.New[blockKey, []byte](oo.BlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pak: block cache: %w", err)
	}

	r := &Reader{cache: cache, path: path, size: size, o: oo, blocks: blocks}

	buf, err := r.read(ctx, size-FooterSize, FooterSize, pakcache.PriorityCriticalPath)
	if err != nil {
		return nil, fmt.Errorf("pak: read footer of %s: %w", path, err)
	}

	f, err := decodeFooter(buf, size)
	if err != nil {
		return nil, err
	}

	index, err := r.read(ctx, f.indexOffset, f.indexSize, pakcache.PriorityCriticalPath)
	if err != nil {
		return nil, fmt.Errorf("pak: read index of %s: %w", path, err)
	}

	if blake2b.Sum256(index) != f.indexHash {
		return nil, fmt.Errorf("%w: index of %s", ErrChecksum, path)
	}

	r.mount, r.entries, err = decodeIndex(index, f.indexOffset)
	if err != nil {
		return nil, err
	}

	r.nonce = f.nonce
	r.byName = make(map[string]int, len(r.entries))

	for i, e := range r.entries {
		r.byName[e.Name] = i
	}

	oo.Logger.Debugw("archive opened",
		"archive", path, "size", size, "entries", len(r.entries), "mount", r.mount)

	return r, nil
}

// Path returns the archive path.
func (r *Reader) Path() string { return r.path }

// Size returns the archive size in bytes.
func (r *Reader) Size() int64 { return r.size }

// MountPoint returns the mount point recorded in the index.
func (r *Reader) MountPoint() string { return r.mount }

// Entries returns the entries in index order. The slice must not be
// modified.
func (r *Reader) Entries() []Entry { return r.entries }

// Stat returns the entry named name.
func (r *Reader) Stat(name string) (Entry, error) {
	i, err := r.lookup(name)
	if err != nil {
		return Entry{}, err
	}

	return r.entries[i], nil
}

func (r *Reader) lookup(name string) (int, error) {
	i, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q in %s", ErrNotFound, name, r.path)
	}

	return i, nil
}

// ReadFile returns the decoded contents of the entry named name and checks
// them against the recorded hash.
func (r *Reader) ReadFile(ctx context.Context, name string, pri pakcache.Priority) ([]byte, error) {
	i, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	e := &r.entries[i]

	data, err := r.readEntry(ctx, i, 0, e.Size, pri)
	if err != nil {
		return nil, err
	}

	if blake2b.Sum256(data) != e.Hash {
		return nil, fmt.Errorf("%w: entry %q of %s", ErrChecksum, name, r.path)
	}

	return data, nil
}

// ReadAt reads len(p) bytes of the entry named name starting at off. It
// returns io.EOF when fewer bytes remain. Partial reads are not hash
// checked.
func (r *Reader) ReadAt(ctx context.Context, name string, p []byte, off int64, pri pakcache.Priority) (int, error) {
	i, err := r.lookup(name)
	if err != nil {
		return 0, err
	}

	e := &r.entries[i]

	if off < 0 || off > e.Size {
		return 0, fmt.Errorf("pak: offset %d outside entry %q of %d bytes", off, name, e.Size)
	}

	n := min(int64(len(p)), e.Size-off)

	data, err := r.readEntry(ctx, i, off, n, pri)
	if err != nil {
		return 0, err
	}

	copy(p, data)

	if n < int64(len(p)) {
		return int(n), io.EOF
	}

	return int(n), nil
}

// Precache queues the stored bytes of the entry named name at
// [pakcache.PriorityPrecache]. The caller owns the returned request and
// must close it; it is nil for an empty entry.
func (r *Reader) Precache(name string) (*pakcache.Request, error) {
	i, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	off, size := r.entries[i].Stored()
	if size == 0 {
		return nil, nil
	}

	return r.cache.QueueRequest(r.path, r.size, off, size, pakcache.PriorityPrecache)
}

// readEntry returns n decoded bytes of entry i starting at off.
func (r *Reader) readEntry(ctx context.Context, i int, off, n int64, pri pakcache.Priority) ([]byte, error) {
	e := &r.entries[i]

	if e.Encrypted && r.o.Key == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoKey, e.Name)
	}

	if n == 0 {
		return []byte{}, nil
	}

	if e.Compression == CompressionNone {
		buf, err := r.read(ctx, e.Offset+off, n, pri)
		if err != nil {
			return nil, err
		}

		if e.Encrypted {
			if err := xorStream(r.o.Key, entryNonce(r.nonce, e.Name), off, buf); err != nil {
				return nil, err
			}
		}

		return buf, nil
	}

	first, last := off/e.BlockSize, (off+n-1)/e.BlockSize

	// Hold the stored span so the cache schedules it as one run instead of
	// one read per block.
	if last > first {
		span := e.Blocks[last].End - e.Blocks[first].Start

		hold, err := r.cache.QueueRequest(r.path, r.size, e.Offset+e.Blocks[first].Start, span, pri)
		if err != nil {
			return nil, err
		}

		defer hold.Close()
	}

	out := make([]byte, 0, n)

	for b := first; b <= last; b++ {
		plain, err := r.block(ctx, i, b, pri)
		if err != nil {
			return nil, err
		}

		start := b * e.BlockSize
		lo := max(off, start) - start
		hi := min(off+n, start+int64(len(plain))) - start
		out = append(out, plain[lo:hi]...)
	}

	return out, nil
}

// block returns decoded block b of entry i. The result is shared and must
// not be modified.
func (r *Reader) block(ctx context.Context, i int, b int64, pri pakcache.Priority) ([]byte, error) {
	key := blockKey{entry: i, block: b}

	if plain, ok := r.blocks.Get(key); ok {
		return plain, nil
	}

	// The shared load outlives any single caller; each caller stops waiting
	// on its own context.
	loadCtx := context.WithoutCancel(ctx)

	ch := r.loads.DoChan(strconv.Itoa(i)+"/"+strconv.FormatInt(b, 10), func() (any, error) {
		if plain, ok := r.blocks.Get(key); ok {
			return plain, nil
		}

		e := &r.entries[i]
		blk := e.Blocks[b]

		raw, err := r.read(loadCtx, e.Offset+blk.Start, blk.End-blk.Start, pri)
		if err != nil {
			return nil, err
		}

		if e.Encrypted {
			if err := xorStream(r.o.Key, entryNonce(r.nonce, e.Name), blk.Start, raw); err != nil {
				return nil, err
			}
		}

		plain, err := decompress(e.Compression, raw, int(min(e.BlockSize, e.Size-b*e.BlockSize)))
		if err != nil {
			return nil, fmt.Errorf("entry %q block %d: %w", e.Name, b, err)
		}

		r.blocks.Add(key, plain)

		return plain, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.([]byte), nil
	}
}

// read fetches an archive range through the cache and waits for it.
func (r *Reader) read(ctx context.Context, off, size int64, pri pakcache.Priority) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	req, err := r.cache.QueueRequest(r.path, r.size, off, size, pri)
	if err != nil {
		return nil, err
	}

	defer req.Close()

	if err := req.WaitContext(ctx); err != nil {
		return nil, err
	}

	return req.Bytes()
}

// Extract writes every entry below dir, running up to parallel reads at
// once. Each file is written atomically.
func (r *Reader) Extract(ctx context.Context, fsys fs.FS, dir string, parallel int) error {
	for _, e := range r.entries {
		if !filepath.IsLocal(filepath.FromSlash(e.Name)) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, e.Name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))

	for _, e := range r.entries {
		g.Go(func() error {
			data, err := r.ReadFile(gctx, e.Name, pakcache.PriorityNormal)
			if err != nil {
				return err
			}

			dst := filepath.Join(dir, filepath.FromSlash(e.Name))

			if err := fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("pak: extract %q: %w", e.Name, err)
			}

			if err := fsys.WriteFileAtomic(dst, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("pak: extract %q: %w", e.Name, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	r.o.Logger.Infow("archive extracted", "archive", r.path, "entries", len(r.entries), "dir", dir)

	return nil
}
