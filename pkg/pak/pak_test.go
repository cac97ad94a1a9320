package pak_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/pak"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
	"github.com/calvinalkan/pakcache/pkg/storage"
)

func randomBytes(seed uint64, n int) []byte {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	buf := make([]byte, n)

	for i := range buf {
		buf[i] = byte(rng.Uint32())
	}

	return buf
}

func testFiles() []pak.File {
	return []pak.File{
		{Name: "readme.txt", Data: []byte("hello pak\n")},
		{Name: "empty.bin", Data: nil},
		{Name: "maps/level1.umap", Data: bytes.Repeat([]byte("floor wall door "), 20_000)},
		{Name: "textures/noise.tex", Data: randomBytes(1, 150_000)},
		{Name: "audio/short.wav", Data: randomBytes(2, 1)},
	}
}

func newCache(t *testing.T, verifier pakcache.Verifier) *pakcache.Cache {
	t.Helper()

	c, err := pakcache.New(&pakcache.Options{Verifier: verifier})
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, c.Close()) })

	return c
}

func writeTestArchive(t *testing.T, o *pak.WriterOptions) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "game.pak")

	entries, err := pak.WriteFile(fs.NewReal(), path, testFiles(), o, pakcache.DefaultGranularity)
	require.NoError(t, err)
	require.Len(t, entries, len(testFiles()))

	return path
}

func Test_Reader_Returns_Original_Files_When_Written_With_Any_Codec(t *testing.T) {
	t.Parallel()

	key := randomBytes(3, pak.KeySize)

	for _, tc := range []struct {
		name string
		o    pak.WriterOptions
	}{
		{"Plain", pak.WriterOptions{}},
		{"Snappy", pak.WriterOptions{Compression: pak.CompressionSnappy, BlockSize: 16 << 10}},
		{"Zstd", pak.WriterOptions{Compression: pak.CompressionZstd}},
		{"ZstdEncrypted", pak.WriterOptions{Compression: pak.CompressionZstd, BlockSize: 8 << 10, Key: key}},
		{"PlainEncrypted", pak.WriterOptions{Key: key}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := writeTestArchive(t, &tc.o)
			cache := newCache(t, nil)

			r, err := pak.Open(context.Background(), cache, path, &pak.ReaderOptions{Key: tc.o.Key})
			require.NoError(t, err)
			assert.Equal(t, pak.DefaultMountPoint, r.MountPoint())
			require.Len(t, r.Entries(), len(testFiles()))

			for _, f := range testFiles() {
				got, err := r.ReadFile(context.Background(), f.Name, pakcache.PriorityNormal)
				require.NoError(t, err, f.Name)
				assert.True(t, bytes.Equal(f.Data, got), "%s: contents differ", f.Name)

				e, err := r.Stat(f.Name)
				require.NoError(t, err)
				assert.Equal(t, int64(len(f.Data)), e.Size)
				assert.Equal(t, tc.o.Key != nil, e.Encrypted)
			}

			st := cache.Stats()
			assert.Zero(t, st.LiveRequests, "reader closes every request it makes")
			assert.Zero(t, st.Failures)
		})
	}
}

func Test_Reader_Compresses_Only_Entries_That_Shrink(t *testing.T) {
	t.Parallel()

	path := writeTestArchive(t, &pak.WriterOptions{Compression: pak.CompressionSnappy})

	r, err := pak.Open(context.Background(), newCache(t, nil), path, nil)
	require.NoError(t, err)

	level, err := r.Stat("maps/level1.umap")
	require.NoError(t, err)
	assert.Equal(t, pak.CompressionSnappy, level.Compression)
	assert.Less(t, level.StoredSize, level.Size)
	assert.Len(t, level.Blocks, int((level.Size+pak.DefaultBlockSize-1)/pak.DefaultBlockSize))

	noise, err := r.Stat("textures/noise.tex")
	require.NoError(t, err)
	assert.Equal(t, pak.CompressionNone, noise.Compression)
	assert.Equal(t, noise.Size, noise.StoredSize)
}

func Test_Reader_Reads_Partial_Range_When_Spanning_Blocks(t *testing.T) {
	t.Parallel()

	key := randomBytes(4, pak.KeySize)
	path := writeTestArchive(t, &pak.WriterOptions{Compression: pak.CompressionZstd, BlockSize: 4 << 10, Key: key})

	r, err := pak.Open(context.Background(), newCache(t, nil), path, &pak.ReaderOptions{Key: key, BlockCacheSize: 4})
	require.NoError(t, err)

	want := testFiles()[2].Data

	for _, tc := range []struct{ off, n int64 }{
		{0, 10}, {4095, 2}, {4096, 4096}, {10_000, 30_000}, {int64(len(want)) - 5, 5},
	} {
		buf := make([]byte, tc.n)
		n, err := r.ReadAt(context.Background(), "maps/level1.umap", buf, tc.off, pakcache.PriorityHigh)
		require.NoError(t, err)
		require.Equal(t, int(tc.n), n)
		assert.Equal(t, want[tc.off:tc.off+tc.n], buf, "range %d+%d", tc.off, tc.n)
	}

	buf := make([]byte, 100)
	n, err := r.ReadAt(context.Background(), "maps/level1.umap", buf, int64(len(want))-40, pakcache.PriorityHigh)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 40, n)
	assert.Equal(t, want[len(want)-40:], buf[:n])
}

func Test_Reader_Fails_When_Key_Is_Missing_Or_Wrong(t *testing.T) {
	t.Parallel()

	path := writeTestArchive(t, &pak.WriterOptions{Key: randomBytes(5, pak.KeySize)})
	cache := newCache(t, nil)

	r, err := pak.Open(context.Background(), cache, path, nil)
	require.NoError(t, err)

	_, err = r.ReadFile(context.Background(), "readme.txt", pakcache.PriorityNormal)
	require.ErrorIs(t, err, pak.ErrNoKey)

	wrong, err := pak.Open(context.Background(), cache, path, &pak.ReaderOptions{Key: randomBytes(6, pak.KeySize)})
	require.NoError(t, err)

	_, err = wrong.ReadFile(context.Background(), "readme.txt", pakcache.PriorityNormal)
	require.ErrorIs(t, err, pak.ErrChecksum)

	_, err = pak.Open(context.Background(), cache, path, &pak.ReaderOptions{Key: []byte("short")})
	require.Error(t, err)
}

func Test_Reader_Returns_ErrNotFound_When_Entry_Is_Missing(t *testing.T) {
	t.Parallel()

	r, err := pak.Open(context.Background(), newCache(t, nil), writeTestArchive(t, nil), nil)
	require.NoError(t, err)

	_, err = r.ReadFile(context.Background(), "nope", pakcache.PriorityNormal)
	require.ErrorIs(t, err, pak.ErrNotFound)

	_, err = r.Stat("nope")
	require.ErrorIs(t, err, pak.ErrNotFound)

	_, err = r.Precache("nope")
	require.ErrorIs(t, err, pak.ErrNotFound)
}

// gatedDevice delays read completions while a gate is set.
type gatedDevice struct {
	storage.Device

	mu     sync.Mutex
	gate   chan struct{}
	issued chan struct{}
}

func (d *gatedDevice) hold() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

func (d *gatedDevice) release() {
	d.mu.Lock()
	close(d.gate)
	d.gate = nil
	d.mu.Unlock()
}

func (d *gatedDevice) Open(path string) (storage.Handle, error) {
	h, err := d.Device.Open(path)
	if err != nil {
		return nil, err
	}

	return &gatedHandle{Handle: h, d: d}, nil
}

type gatedHandle struct {
	storage.Handle

	d *gatedDevice
}

func (h *gatedHandle) IssueRead(offset, size int64, done func(storage.PendingOp)) storage.PendingOp {
	h.d.mu.Lock()
	gate := h.d.gate
	h.d.mu.Unlock()

	if gate == nil {
		return h.Handle.IssueRead(offset, size, done)
	}

	select {
	case h.d.issued <- struct{}{}:
	default:
	}

	return h.Handle.IssueRead(offset, size, func(op storage.PendingOp) {
		<-gate
		done(op)
	})
}

func Test_Reader_Serves_Waiting_Caller_When_Other_Caller_Of_Same_Block_Gives_Up(t *testing.T) {
	t.Parallel()

	dev := &gatedDevice{
		Device: storage.NewFileDevice(fs.NewReal()),
		issued: make(chan struct{}, 1),
	}

	cache, err := pakcache.New(&pakcache.Options{Device: dev})
	require.NoError(t, err)

	path := writeTestArchive(t, &pak.WriterOptions{Compression: pak.CompressionZstd})
	r, err := pak.Open(context.Background(), cache, path, nil)
	require.NoError(t, err)

	dev.hold()

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)

	go func() {
		_, err := r.ReadFile(ctx, "maps/level1.umap", pakcache.PriorityNormal)
		firstErr <- err
	}()

	<-dev.issued

	type result struct {
		data []byte
		err  error
	}

	second := make(chan result, 1)

	go func() {
		data, err := r.ReadFile(context.Background(), "maps/level1.umap", pakcache.PriorityNormal)
		second <- result{data, err}
	}()

	// Let the second caller join the pending block load.
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	dev.release()

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, testFiles()[2].Data, res.data)
	require.NoError(t, cache.Close())
}

func Test_Open_Rejects_Archive_When_Footer_Or_Index_Is_Damaged(t *testing.T) {
	t.Parallel()

	path := writeTestArchive(t, nil)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	dir := t.TempDir()

	for _, tc := range []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"Truncated", func(b []byte) []byte { return b[:pak.FooterSize-1] }, pak.ErrFormat},
		{"BadMagic", func(b []byte) []byte { b[len(b)-pak.FooterSize] ^= 0xFF; return b }, pak.ErrFormat},
		{"IndexFlipped", func(b []byte) []byte { b[len(b)-pak.FooterSize-3] ^= 0x01; return b }, pak.ErrChecksum},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			bad := filepath.Join(dir, tc.name+".pak")
			require.NoError(t, os.WriteFile(bad, tc.mutate(bytes.Clone(data)), 0o644))

			_, err := pak.Open(context.Background(), newCache(t, nil), bad, nil)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func Test_Extract_Writes_Every_Entry_When_Run_In_Parallel(t *testing.T) {
	t.Parallel()

	path := writeTestArchive(t, &pak.WriterOptions{Compression: pak.CompressionZstd})

	r, err := pak.Open(context.Background(), newCache(t, nil), path, nil)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, r.Extract(context.Background(), fs.NewReal(), out, 3))

	for _, f := range testFiles() {
		got, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(f.Name)))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(f.Data, got), f.Name)
	}
}

func Test_Extract_Refuses_Entry_When_Name_Escapes_Directory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "evil.pak")
	_, err := pak.WriteFile(fs.NewReal(), path, []pak.File{{Name: "../../etc/evil", Data: []byte("x")}}, nil, 0)
	require.NoError(t, err)

	r, err := pak.Open(context.Background(), newCache(t, nil), path, nil)
	require.NoError(t, err)

	out := t.TempDir()
	require.ErrorIs(t, r.Extract(context.Background(), fs.NewReal(), out, 1), pak.ErrUnsafePath)

	_, err = os.Stat(filepath.Join(filepath.Dir(filepath.Dir(out)), "etc"))
	assert.True(t, os.IsNotExist(err))
}

func Test_Writer_Rejects_Entry_When_Name_Is_Duplicate_Or_Empty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w, err := pak.NewWriter(&buf, nil)
	require.NoError(t, err)

	require.NoError(t, w.Add("a/b.txt", []byte("1")))
	require.ErrorIs(t, w.Add("/a/./b.txt", []byte("2")), pak.ErrDuplicate)
	require.ErrorIs(t, w.Add("", nil), pak.ErrUnsafePath)
	require.NoError(t, w.Close())
	require.Error(t, w.Add("late", nil))
	require.Error(t, w.Close())

	_, err = pak.NewWriter(&buf, &pak.WriterOptions{Key: []byte("short")})
	require.Error(t, err)
}

func Test_Precache_Holds_Entry_Bytes_When_Queued(t *testing.T) {
	t.Parallel()

	cache := newCache(t, nil)

	r, err := pak.Open(context.Background(), cache, writeTestArchive(t, nil), nil)
	require.NoError(t, err)

	req, err := r.Precache("textures/noise.tex")
	require.NoError(t, err)
	require.NoError(t, req.WaitContext(context.Background()))
	assert.Equal(t, pakcache.PriorityPrecache, req.Priority())

	readsBefore := cache.Stats().Reads

	got, err := r.ReadFile(context.Background(), "textures/noise.tex", pakcache.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, testFiles()[3].Data, got)
	assert.Equal(t, readsBefore, cache.Stats().Reads, "precached entry is served from cache")

	require.NoError(t, req.Close())

	empty, err := r.Precache("empty.bin")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func Test_SignatureSet_Fails_Cache_Read_When_Archive_Byte_Is_Corrupted(t *testing.T) {
	t.Parallel()

	path := writeTestArchive(t, nil)

	sigs := pak.NewSignatureSet()
	require.NoError(t, sigs.Load(fs.NewReal(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Inside maps/level1.umap, far from the index and footer.
	data[70_000] ^= 0x40
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cache := newCache(t, sigs)

	r, err := pak.Open(context.Background(), cache, path, nil)
	require.NoError(t, err)

	got, err := r.ReadFile(context.Background(), "readme.txt", pakcache.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, testFiles()[0].Data, got)

	_, err = r.ReadFile(context.Background(), "maps/level1.umap", pakcache.PriorityNormal)
	require.ErrorIs(t, err, pakcache.ErrIntegrity)
	require.ErrorIs(t, err, pak.ErrChecksum)
	assert.False(t, errors.Is(err, pakcache.ErrRead), "integrity failures are not read failures")

	assert.Positive(t, cache.Stats().Failures)
}

func Test_Signatures_Reject_Range_When_Not_Chunk_Aligned(t *testing.T) {
	t.Parallel()

	data := randomBytes(7, 10_000)
	sig := pak.ComputeSignatures(data, 4096)
	require.Len(t, sig.Sums, 3)

	require.NoError(t, sig.Check(0, data))
	require.NoError(t, sig.Check(4096, data[4096:8192]))
	require.NoError(t, sig.Check(8192, data[8192:]))

	require.Error(t, sig.Check(1, data[1:4097]))
	require.Error(t, sig.Check(0, data[:100]))
	require.Error(t, sig.Check(8192, append(bytes.Clone(data[8192:]), 0)))

	bad := bytes.Clone(data[4096:8192])
	bad[10] ^= 1
	require.ErrorIs(t, sig.Check(4096, bad), pak.ErrChecksum)

	decoded, err := pak.DecodeSignatures(sig.Encode())
	require.NoError(t, err)
	assert.Equal(t, sig, decoded)

	_, err = pak.DecodeSignatures(sig.Encode()[:40])
	require.ErrorIs(t, err, pak.ErrFormat)
}

func Test_SignatureSet_Passes_Archive_When_No_Signatures_Loaded(t *testing.T) {
	t.Parallel()

	sigs := pak.NewSignatureSet()
	require.NoError(t, sigs.Verify("unknown.pak", 3, []byte("anything")))

	sigs.Add("known.pak", pak.ComputeSignatures([]byte("abcd"), 4096))
	require.NoError(t, sigs.Verify("known.pak", 0, []byte("abcd")))
	require.ErrorIs(t, sigs.Verify("known.pak", 0, []byte("abce")), pak.ErrChecksum)

	err := sigs.Load(fs.NewReal(), filepath.Join(t.TempDir(), "missing.pak"))
	require.Error(t, err)
}
