package pakcache

// rangeKey packs an archive index and a byte offset into one integer:
// the top 16 bits hold the archive, the low 48 bits the offset. Keys order
// by archive first, then offset.
type rangeKey uint64

const (
	offsetBits  = 48
	maxOffset   = 1<<offsetBits - 1
	maxArchives = 1 << (64 - offsetBits)
)

func makeKey(archive uint16, offset uint64) rangeKey {
	if offset > maxOffset {
		panic("pakcache: offset exceeds 48 bits")
	}

	return rangeKey(uint64(archive)<<offsetBits | offset)
}

func (k rangeKey) archive() uint16 { return uint16(k >> offsetBits) }

func (k rangeKey) offset() uint64 { return uint64(k) & maxOffset }
