package pakcache

import (
	"math/bits"
)

// Interval tree over archive byte offsets.
//
// The tree is a fixed-shape binary trie over the bits of an offset. Each
// level splits on one bit, from the highest bit the archive size needs down
// to the granularity bit. An interval descends while its first and last byte
// agree on the current bit; it stops at the first node where they differ and
// joins that node's "on" list. Intervals that agree all the way down land in
// the left or right list of a bottom-level node. At the bottom level the
// left/right fields are list heads instead of child nodes.
//
// Nodes and items live in arenas and are linked by [Idx]; each item carries
// its own next link, so an item is in at most one tree at a time.

type treeNode struct {
	left  Idx
	on    Idx
	right Idx
}

func (n *treeNode) empty() bool {
	return n.left == 0 && n.on == 0 && n.right == 0
}

// geometry is the per-archive tree shape, fixed by the archive size.
type geometry struct {
	startShift uint32 // shift that moves the top offset bit to bit 63
	maxShift   uint32 // shift that moves the granularity bit to bit 63
	maxNode    uint64 // largest offset the tree addresses
	granShift  uint32
}

func newGeometry(size uint64, granShift uint32) geometry {
	gran := uint64(1) << granShift
	last := max(size, gran+1) - 1
	width := uint32(64 - bits.LeadingZeros64(last))

	return geometry{
		startShift: 64 - width,
		maxShift:   63 - granShift,
		maxNode:    ^uint64(0) >> (64 - width),
		granShift:  granShift,
	}
}

func highBit(x uint64) uint64 { return x >> 63 }

type treeItem interface {
	bounds() (lo, hi uint64)
	nextLink() *Idx
}

// tree binds the node arena to one item arena. It holds no roots; callers
// keep roots in their per-archive state and pass pointers to them.
type tree[T any, P interface {
	*T
	treeItem
}] struct {
	nodes *Arena[treeNode]
	items *Arena[T]
}

func (t tree[T, P]) item(idx Idx) P {
	return P(t.items.Get(idx))
}

// insert links idx into the tree at root. The item's bounds must lie in
// [0, g.maxNode].
func (t tree[T, P]) insert(root *Idx, idx Idx, g geometry) {
	it := t.item(idx)
	lo, hi := it.bounds()
	shift := g.startShift

	for {
		if *root == 0 {
			*root = t.nodes.Alloc()
		}

		n := t.nodes.Get(*root)
		loBit, hiBit := highBit(lo<<shift), highBit(hi<<shift)

		if loBit == hiBit && shift < g.maxShift {
			shift++

			if loBit == 0 {
				root = &n.left
			} else {
				root = &n.right
			}

			continue
		}

		var list *Idx

		switch {
		case loBit != hiBit:
			list = &n.on
		case loBit == 0:
			list = &n.left
		default:
			list = &n.right
		}

		*it.nextLink() = *list
		*list = idx

		return
	}
}

// remove unlinks idx from the tree at root and frees nodes left empty.
// Reports whether idx was found.
func (t tree[T, P]) remove(root *Idx, idx Idx, g geometry) bool {
	lo, hi := t.item(idx).bounds()

	return t.removeAt(root, idx, lo, hi, g.startShift, g)
}

func (t tree[T, P]) removeAt(root *Idx, idx Idx, lo, hi uint64, shift uint32, g geometry) bool {
	if *root == 0 {
		return false
	}

	n := t.nodes.Get(*root)
	loBit, hiBit := highBit(lo<<shift), highBit(hi<<shift)

	var found bool

	switch {
	case loBit == hiBit && shift < g.maxShift:
		child := &n.left
		if loBit != 0 {
			child = &n.right
		}

		found = t.removeAt(child, idx, lo, hi, shift+1, g)
	case loBit != hiBit:
		found = t.unlink(&n.on, idx)
	case loBit == 0:
		found = t.unlink(&n.left, idx)
	default:
		found = t.unlink(&n.right, idx)
	}

	if found && n.empty() {
		t.nodes.Free(*root)
		*root = 0
	}

	return found
}

func (t tree[T, P]) unlink(list *Idx, idx Idx) bool {
	for p := list; *p != 0; p = t.item(*p).nextLink() {
		if *p == idx {
			next := t.item(idx).nextLink()
			*p = *next
			*next = 0

			return true
		}
	}

	return false
}

// overlapping calls fn for every item intersecting [lo, hi], roughly in
// ascending offset order. fn returns false to stop early; overlapping then
// returns false. fn must not insert or remove items in this tree.
func (t tree[T, P]) overlapping(root Idx, lo, hi uint64, g geometry, fn func(Idx) bool) bool {
	return t.overlappingAt(root, lo, hi, 0, g.maxNode, g.startShift, g, fn)
}

func (t tree[T, P]) overlappingAt(root Idx, lo, hi, minNode, maxNode uint64, shift uint32, g geometry, fn func(Idx) bool) bool {
	if root == 0 {
		return true
	}

	n := t.nodes.Get(root)
	center := (minNode + maxNode + 1) >> 1

	if lo < center {
		if shift == g.maxShift {
			if !t.scan(n.left, lo, hi, fn) {
				return false
			}
		} else if !t.overlappingAt(n.left, lo, hi, minNode, center-1, shift+1, g, fn) {
			return false
		}
	}

	if !t.scan(n.on, lo, hi, fn) {
		return false
	}

	if hi >= center {
		if shift == g.maxShift {
			return t.scan(n.right, lo, hi, fn)
		}

		return t.overlappingAt(n.right, lo, hi, center, maxNode, shift+1, g, fn)
	}

	return true
}

func (t tree[T, P]) scan(list Idx, lo, hi uint64, fn func(Idx) bool) bool {
	for i := list; i != 0; {
		it := t.item(i)
		next := *it.nextLink()

		if ilo, ihi := it.bounds(); ilo <= hi && ihi >= lo {
			if !fn(i) {
				return false
			}
		}

		i = next
	}

	return true
}

// overlappingShrinking is [tree.overlapping] for searches that narrow as
// they go: fn may lower *hi, and items starting past the new *hi are skipped.
func (t tree[T, P]) overlappingShrinking(root Idx, lo uint64, hi *uint64, g geometry, fn func(Idx) bool) bool {
	return t.shrinkingAt(root, lo, hi, 0, g.maxNode, g.startShift, g, fn)
}

func (t tree[T, P]) shrinkingAt(root Idx, lo uint64, hi *uint64, minNode, maxNode uint64, shift uint32, g geometry, fn func(Idx) bool) bool {
	if root == 0 || lo > *hi {
		return true
	}

	n := t.nodes.Get(root)
	center := (minNode + maxNode + 1) >> 1

	if lo < center {
		if shift == g.maxShift {
			if !t.scanShrinking(n.left, lo, hi, fn) {
				return false
			}
		} else if !t.shrinkingAt(n.left, lo, hi, minNode, center-1, shift+1, g, fn) {
			return false
		}
	}

	if !t.scanShrinking(n.on, lo, hi, fn) {
		return false
	}

	if lo <= *hi && *hi >= center {
		if shift == g.maxShift {
			return t.scanShrinking(n.right, lo, hi, fn)
		}

		return t.shrinkingAt(n.right, lo, hi, center, maxNode, shift+1, g, fn)
	}

	return true
}

func (t tree[T, P]) scanShrinking(list Idx, lo uint64, hi *uint64, fn func(Idx) bool) bool {
	for i := list; i != 0 && lo <= *hi; {
		it := t.item(i)
		next := *it.nextLink()

		if ilo, ihi := it.bounds(); ilo <= *hi && ihi >= lo {
			if !fn(i) {
				return false
			}
		}

		i = next
	}

	return true
}

// removeOverlapping calls fn for every item intersecting [lo, hi]; items for
// which fn returns true are unlinked. fn may free the item it is given, and
// may insert it into a different tree only after removeOverlapping returns.
// Nodes left empty are freed.
func (t tree[T, P]) removeOverlapping(root *Idx, lo, hi uint64, g geometry, fn func(Idx) bool) {
	t.removeOverlappingAt(root, lo, hi, 0, g.maxNode, g.startShift, g, fn)
}

func (t tree[T, P]) removeOverlappingAt(root *Idx, lo, hi, minNode, maxNode uint64, shift uint32, g geometry, fn func(Idx) bool) {
	if *root == 0 {
		return
	}

	n := t.nodes.Get(*root)
	center := (minNode + maxNode + 1) >> 1

	if lo < center {
		if shift == g.maxShift {
			t.filter(&n.left, lo, hi, fn)
		} else {
			t.removeOverlappingAt(&n.left, lo, hi, minNode, center-1, shift+1, g, fn)
		}
	}

	t.filter(&n.on, lo, hi, fn)

	if hi >= center {
		if shift == g.maxShift {
			t.filter(&n.right, lo, hi, fn)
		} else {
			t.removeOverlappingAt(&n.right, lo, hi, center, maxNode, shift+1, g, fn)
		}
	}

	if n.empty() {
		t.nodes.Free(*root)
		*root = 0
	}
}

func (t tree[T, P]) filter(list *Idx, lo, hi uint64, fn func(Idx) bool) {
	p := list

	for *p != 0 {
		i := *p
		it := t.item(i)
		next := *it.nextLink()

		if ilo, ihi := it.bounds(); ilo <= hi && ihi >= lo && fn(i) {
			// i may be freed by now.
			*p = next

			continue
		}

		p = it.nextLink()
	}
}

// mask sets one bit per granule of [lo, hi] touched by an item in the tree.
// Bit k of bitmap stands for the granule starting at base + k<<granShift;
// base must be granule aligned and not above lo.
func (t tree[T, P]) mask(root Idx, lo, hi, base uint64, g geometry, bitmap []uint64) {
	t.overlapping(root, lo, hi, g, func(i Idx) bool {
		ilo, ihi := t.item(i).bounds()
		first := (max(ilo, lo) - base) >> g.granShift
		last := (min(ihi, hi) - base) >> g.granShift
		setBits(bitmap, first, last)

		return true
	})
}

func setBits(bitmap []uint64, first, last uint64) {
	for b := first; b <= last; {
		word, bit := b>>6, b&63

		if bit == 0 && last-b >= 63 {
			bitmap[word] = ^uint64(0)
			b += 64

			continue
		}

		bitmap[word] |= 1 << bit
		b++
	}
}

// granuleBitmap returns a bitmap for nbits granules with the unused high
// bits of the last word preset, so a search for the first clear bit never
// runs past the range.
func granuleBitmap(nbits uint64) []uint64 {
	words := (nbits + 63) >> 6
	bitmap := make([]uint64, words)

	if extra := words*64 - nbits; extra != 0 {
		bitmap[words-1] = ^uint64(0) << (64 - extra)
	}

	return bitmap
}
