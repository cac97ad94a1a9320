package pakcache

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/storage"
)

func Test_Cache_Keeps_Invariants_When_Operations_Are_Randomized(t *testing.T) {
	t.Parallel()

	for seed := range uint64(6) {
		t.Run(fmt.Sprintf("Seed%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b9))
			dev := newFakeDevice()
			files := map[string][]byte{
				"a.pak": dev.add("a.pak", 1<<20+333),
				"b.pak": dev.add("b.pak", 300<<10),
			}
			names := []string{"a.pak", "b.pak"}

			c := newTestCache(t, dev, func(o *Options) {
				o.Granularity = 4 << 10
				o.MaxBlockSize = 16 << 10
				o.MaxOutstandingReads = 3
				o.MemoryBudget = 64 << 10
				o.MaxReadAttempts = 1
			})

			verify := func(req *Request) {
				if !req.Ready() {
					return
				}

				got, err := req.Bytes()
				if err != nil {
					require.ErrorIs(t, err, ErrRead)

					return
				}

				want := files[req.Archive()][req.Offset() : req.Offset()+req.Size()]
				require.True(t, bytes.Equal(want, got), "bytes of %s@%d+%d", req.Archive(), req.Offset(), req.Size())
			}

			var live []*Request

			for step := range 1500 {
				switch op := rng.IntN(10); {
				case op < 4:
					name := names[rng.IntN(len(names))]
					data := files[name]
					off := rng.Int64N(int64(len(data)))
					size := 1 + rng.Int64N(min(int64(len(data))-off, 40<<10))
					pri := Priority(rng.IntN(numPriorities))

					req, err := c.QueueRequest(name, int64(len(data)), off, size, pri)
					require.NoError(t, err, "step %d", step)

					live = append(live, req)
				case op < 6 && len(live) > 0:
					i := rng.IntN(len(live))
					verify(live[i])
					live[i].Cancel()
					live = slices.Delete(live, i, i+1)
				case dev.pendingCount() > 0:
					var err error
					if rng.IntN(20) == 0 {
						err = errors.New("injected")
					}

					dev.completeWith(rng.IntN(dev.pendingCount()), err)
				}

				checkInvariants(t, c)
			}

			for _, req := range live {
				verify(req)
				req.Cancel()
			}

			dev.pump()
			checkInvariants(t, c)

			st := c.Stats()
			assert.Zero(t, st.LiveRequests)
			assert.Zero(t, st.LiveBlocks)
			assert.Zero(t, st.BlockMemory)
			assert.LessOrEqual(t, st.DiscardedBytes, st.FetchedBytes)

			c.mu.Lock()
			assert.Zero(t, c.nodes.Len(), "tree nodes leaked")

			for _, a := range c.archives {
				assert.True(t, a.idle(), "archive %s has tree roots left", a.path)
			}
			c.mu.Unlock()
		})
	}
}

func writeArchiveFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*13 + i>>9)
	}

	path := filepath.Join(t.TempDir(), "data.pak")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path, data
}

func Test_Cache_Returns_Correct_Bytes_When_Used_Concurrently(t *testing.T) {
	t.Parallel()

	path, data := writeArchiveFile(t, 4<<20)

	devs := map[string]storage.Device{"File": storage.NewFileDevice(fs.NewReal())}
	if runtime.GOOS != "windows" {
		devs["Mmap"] = storage.NewMmapDevice()
	}

	for name, dev := range devs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, err := New(&Options{
				Device:              dev,
				Granularity:         4 << 10,
				MaxBlockSize:        64 << 10,
				MaxOutstandingReads: 4,
			})
			require.NoError(t, err)

			var wg sync.WaitGroup

			for g := range 8 {
				wg.Add(1)

				go func() {
					defer wg.Done()

					rng := rand.New(rand.NewPCG(uint64(g), 99))

					for range 100 {
						off := rng.Int64N(int64(len(data)))
						size := 1 + rng.Int64N(min(int64(len(data))-off, 200<<10))
						pri := Priority(rng.IntN(numPriorities))

						req, err := c.QueueRequest(path, int64(len(data)), off, size, pri)
						if !assert.NoError(t, err) {
							return
						}

						if rng.IntN(5) == 0 {
							req.Cancel()

							continue
						}

						if !assert.True(t, req.Wait(10*time.Second), "request timed out") {
							return
						}

						got, err := req.Bytes()
						assert.NoError(t, err)
						assert.True(t, bytes.Equal(data[off:off+size], got), "bytes at %d+%d", off, size)
						assert.NoError(t, req.Close())
					}
				}()
			}

			wg.Wait()

			st := c.Stats()
			assert.Zero(t, st.LiveRequests)
			assert.Zero(t, st.LiveBlocks)
			assert.Zero(t, st.BlockMemory)
			assert.Equal(t, uint64(800), st.Requests)

			require.NoError(t, c.Close())
		})
	}
}

func Test_Cache_Surfaces_Filesystem_Error_When_Reads_Keep_Failing(t *testing.T) {
	t.Parallel()

	path, _ := writeArchiveFile(t, 1<<20)
	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{ReadFailRate: 1})

	c, err := New(&Options{
		Device:          storage.NewFileDevice(chaos),
		MaxReadAttempts: 2,
		ReadBackoff:     time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	req := queue(t, c, path, 100, 1000, PriorityNormal)
	require.True(t, req.Wait(5*time.Second))

	_, err = req.Bytes()
	require.ErrorIs(t, err, ErrRead)
	require.ErrorIs(t, err, syscall.EIO)
	assert.True(t, fs.IsChaosErr(err))
	assert.Equal(t, int64(2), chaos.Stats().ReadFails)
	assert.Equal(t, uint64(1), c.Stats().Retries)
}

func Test_Cache_Rejects_Corrupted_Block_When_Verifier_Detects_It(t *testing.T) {
	t.Parallel()

	path, data := writeArchiveFile(t, 1<<20)
	chaos := fs.NewChaos(fs.NewReal(), 2, fs.ChaosConfig{CorruptReadRate: 1})

	c, err := New(&Options{
		Device: storage.NewFileDevice(chaos),
		Verifier: verifierFunc(func(_ string, offset int64, got []byte) error {
			if !bytes.Equal(data[offset:offset+int64(len(got))], got) {
				return errors.New("content differs")
			}

			return nil
		}),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	req := queue(t, c, path, 0, 10, PriorityHigh)
	require.True(t, req.Wait(5*time.Second))

	_, err = req.Bytes()
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, int64(1), chaos.Stats().CorruptReads)
	assert.Zero(t, c.Stats().Retries)

	chaos.SetMode(fs.ChaosModeNoOp)

	again := queue(t, c, path, 0, 10, PriorityHigh)
	require.True(t, again.Wait(5*time.Second))
	assert.Equal(t, data[:10], mustBytes(t, again))
}
