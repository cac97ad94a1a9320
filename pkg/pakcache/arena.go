package pakcache

import (
	"sync/atomic"
)

// Idx is a handle to an item in an [Arena]. The zero Idx is invalid.
//
// The top 8 bits carry the owning arena's salt and the low 24 bits the slot
// number plus one, so an Idx from one arena is rejected by another.
type Idx uint32

const (
	idxSlotBits = 24
	idxSlotMask = 1<<idxSlotBits - 1

	// Largest slot count an arena can address.
	arenaMaxSlots = idxSlotMask

	arenaPageBits = 10
	arenaPageSize = 1 << arenaPageBits
	arenaPageMask = arenaPageSize - 1
)

var arenaSalt atomic.Uint32

// Arena is a slot allocator addressed by [Idx].
//
// Items live in fixed-size pages that are never moved, so a pointer from
// [Arena.Get] stays valid until that item is freed. Freed slots are reused
// first. When every item is freed the arena shrinks back to its seed
// capacity; when live items drop below a quarter of the high-water mark the
// free tail is trimmed. A trim costs O(n) and waits for n/2 frees since the
// previous one, so Free stays O(1) amortized.
//
// Arena is not safe for concurrent use.
type Arena[T any] struct {
	pages [][]arenaSlot[T]
	n     uint32 // slots [0, n) have been handed out at least once
	free  []uint32
	live  int
	seed  uint32
	salt  uint32

	freed uint32 // frees since the last trim or reset
	trims int
}

type arenaSlot[T any] struct {
	val  T
	used bool
}

// NewArena returns an arena that keeps room for seed items once it empties.
func NewArena[T any](seed int) *Arena[T] {
	if seed < 1 {
		seed = 1
	}

	return &Arena[T]{
		seed: uint32(min(seed, arenaMaxSlots)),
		salt: (arenaSalt.Add(1)%255 + 1) << idxSlotBits,
	}
}

// Alloc returns the index of a zeroed item.
// Panics when the arena already holds its maximum number of items.
func (a *Arena[T]) Alloc() Idx {
	var slot uint32

	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.n == arenaMaxSlots {
			panic("pakcache: arena exhausted")
		}

		slot = a.n
		a.n++

		if int(slot>>arenaPageBits) == len(a.pages) {
			a.pages = append(a.pages, make([]arenaSlot[T], arenaPageSize))
		}
	}

	s := a.at(slot)
	s.used = true
	a.live++

	return Idx(a.salt | (slot + 1))
}

// Get returns the item at idx.
// Panics if idx is invalid, freed, or belongs to another arena.
func (a *Arena[T]) Get(idx Idx) *T {
	return &a.at(a.slot(idx)).val
}

// Free releases the item at idx and zeroes it.
// Panics if idx is invalid, already freed, or belongs to another arena.
func (a *Arena[T]) Free(idx Idx) {
	slot := a.slot(idx)
	*a.at(slot) = arenaSlot[T]{}
	a.free = append(a.free, slot)
	a.live--
	a.freed++

	switch {
	case a.live == 0:
		a.reset()
	case uint32(a.live)*4 < a.n && a.n > a.seed && a.freed >= a.n/2:
		a.trim()
	}
}

// Len returns the number of live items.
func (a *Arena[T]) Len() int {
	return a.live
}

func (a *Arena[T]) slot(idx Idx) uint32 {
	if idx == 0 || uint32(idx)&^idxSlotMask != a.salt {
		panic("pakcache: invalid or foreign arena index")
	}

	slot := uint32(idx)&idxSlotMask - 1
	if slot >= a.n || !a.at(slot).used {
		panic("pakcache: arena index not live")
	}

	return slot
}

func (a *Arena[T]) at(slot uint32) *arenaSlot[T] {
	return &a.pages[slot>>arenaPageBits][slot&arenaPageMask]
}

func (a *Arena[T]) reset() {
	a.n = 0
	a.free = a.free[:0]
	a.freed = 0
	a.dropPages(a.seed)
}

// trim releases unused slots past the last live one.
func (a *Arena[T]) trim() {
	a.freed = 0
	a.trims++

	for a.n > 0 && !a.at(a.n-1).used {
		a.n--
	}

	kept := a.free[:0]

	for _, s := range a.free {
		if s < a.n {
			kept = append(kept, s)
		}
	}

	a.free = kept
	a.dropPages(max(a.n, a.seed))
}

func (a *Arena[T]) dropPages(slots uint32) {
	keep := int((slots + arenaPageMask) >> arenaPageBits)
	if keep >= len(a.pages) {
		return
	}

	clear(a.pages[keep:])
	a.pages = a.pages[:keep]
}
