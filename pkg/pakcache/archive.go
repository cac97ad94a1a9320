package pakcache

import (
	"github.com/calvinalkan/pakcache/pkg/storage"
)

// archive is the per-archive scheduler state: tree roots for requests by
// priority and status, and for blocks by status.
type archive struct {
	index    uint16
	path     string
	size     uint64
	handle   storage.Handle
	geom     geometry
	requests [numPriorities][numRequestStatus]Idx
	blocks   [numBlockStatus]Idx
}

func newArchive(index uint16, path string, size uint64, h storage.Handle, granShift uint32) *archive {
	return &archive{
		index:  index,
		path:   path,
		size:   size,
		handle: h,
		geom:   newGeometry(size, granShift),
	}
}

func (a *archive) hasWaiting(p Priority) bool {
	return a.requests[p][requestWaiting] != 0
}

func (a *archive) idle() bool {
	for p := range a.requests {
		for s := range a.requests[p] {
			if a.requests[p][s] != 0 {
				return false
			}
		}
	}

	return a.blocks[blockInFlight] == 0 && a.blocks[blockComplete] == 0
}
