package storage_test

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/storage"
)

func writeArchive(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31)
	}

	path := filepath.Join(t.TempDir(), "data.pak")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path, data
}

func readSync(t *testing.T, h storage.Handle, offset, size int64) ([]byte, error) {
	t.Helper()

	var (
		wg   sync.WaitGroup
		data []byte
		err  error
	)

	wg.Add(1)
	h.IssueRead(offset, size, func(op storage.PendingOp) {
		defer wg.Done()

		data, err = op.Result()
		assert.Equal(t, offset, op.Offset())
		assert.Equal(t, size, op.Size())
		op.Release()
	})
	wg.Wait()

	return data, err
}

func devices(t *testing.T) map[string]storage.Device {
	t.Helper()

	devs := map[string]storage.Device{
		"File": storage.NewFileDevice(fs.NewReal()),
	}

	if runtime.GOOS != "windows" {
		devs["Mmap"] = storage.NewMmapDevice()
	}

	return devs
}

func Test_Device_Reads_Requested_Range_When_Range_Is_In_Bounds(t *testing.T) {
	t.Parallel()

	path, want := writeArchive(t, 300_000)

	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h, err := dev.Open(path)
			require.NoError(t, err)

			defer func() { require.NoError(t, h.Close()) }()

			assert.Equal(t, int64(len(want)), h.Size())
			assert.Equal(t, path, h.Path())

			got, err := readSync(t, h, 65536, 131072)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want[65536:65536+131072], got), "bytes differ")

			// Tail read that ends exactly at the file end.
			got, err = readSync(t, h, 299_000, 1000)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want[299_000:], got), "tail bytes differ")
		})
	}
}

func Test_Device_Returns_Out_Of_Range_When_Read_Passes_End(t *testing.T) {
	t.Parallel()

	path, _ := writeArchive(t, 1000)

	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h, err := dev.Open(path)
			require.NoError(t, err)

			defer h.Close()

			_, err = readSync(t, h, 900, 200)
			require.ErrorIs(t, err, storage.ErrOutOfRange)
		})
	}
}

func Test_Device_Returns_Closed_When_Read_Issued_After_Close(t *testing.T) {
	t.Parallel()

	path, _ := writeArchive(t, 1000)

	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h, err := dev.Open(path)
			require.NoError(t, err)
			require.NoError(t, h.Close())
			require.NoError(t, h.Close(), "second Close must be a no-op")

			_, err = readSync(t, h, 0, 10)
			require.ErrorIs(t, err, storage.ErrClosed)
		})
	}
}

func Test_Device_Returns_Error_When_Path_Is_Missing(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.pak")

	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := dev.Open(missing)
			require.ErrorIs(t, err, os.ErrNotExist)
		})
	}
}

func Test_FileDevice_Surfaces_Injected_Fault_When_Chaos_Fails_Reads(t *testing.T) {
	t.Parallel()

	path, _ := writeArchive(t, 4096)

	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{ReadFailRate: 1.0})
	dev := storage.NewFileDevice(chaos)

	h, err := dev.Open(path)
	require.NoError(t, err)

	defer h.Close()

	_, err = readSync(t, h, 0, 4096)
	require.Error(t, err)
	assert.True(t, fs.IsChaosErr(err), "err=%v should be injected", err)
	assert.Equal(t, int64(1), chaos.Stats().ReadFails)
}

func Test_FileDevice_Close_Waits_For_Inflight_Reads_When_Reads_Are_Pending(t *testing.T) {
	t.Parallel()

	path, _ := writeArchive(t, 1<<20)
	dev := storage.NewFileDevice(fs.NewReal())

	h, err := dev.Open(path)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		count int
	)

	for i := range 16 {
		h.IssueRead(int64(i)*65536, 65536, func(op storage.PendingOp) {
			_, err := op.Result()
			assert.NoError(t, err)
			op.Release()

			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	require.NoError(t, h.Close())

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 16, count, "Close returned before all callbacks ran")
}
