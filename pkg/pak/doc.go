// Package pak reads and writes pak archives: a data region of entries
// followed by an index and a fixed 64-byte footer.
//
// Entries may be compressed in independent blocks (snappy or zstd) and
// encrypted with ChaCha20. Every read goes through a [pakcache.Cache], so
// concurrent readers of one archive share fetched bytes.
//
// # Basic Usage
//
//	cache, _ := pakcache.New(nil)
//	r, err := pak.Open(ctx, cache, "game.pak", nil)
//	if err != nil {
//	    return err
//	}
//	data, err := r.ReadFile(ctx, "maps/level1.umap", pakcache.PriorityNormal)
//
// # Integrity
//
// Whole entries are checked against a blake2b hash recorded in the index.
// [WriteFile] also writes a sidecar of per-chunk xxhash sums; loading it
// into a [SignatureSet] and passing that as the cache's Verifier checks
// every block as it is read from storage.
package pak
