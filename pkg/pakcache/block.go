package pakcache

type blockStatus uint8

const (
	blockInFlight blockStatus = iota
	blockComplete
	numBlockStatus
)

// cacheBlock is one granule-aligned fetched range. refs counts the live
// requests overlapping it; the block is freed when refs drops to zero.
type cacheBlock struct {
	key    rangeKey
	size   uint64
	memory []byte
	refs   uint32
	status blockStatus
	next   Idx
}

func (b *cacheBlock) bounds() (lo, hi uint64) {
	lo = b.key.offset()

	return lo, lo + b.size - 1
}

func (b *cacheBlock) nextLink() *Idx { return &b.next }
