package slabhash

import (
	"math/bits"
	"sync/atomic"
)

// slabsPerBlock is the number of slabs tracked by one bitmap word.
const slabsPerBlock = 32

// slabPool owns the backing storage for all chained slab nodes. Slabs
// are addressed by index into one flat slot array, never by pointer,
// and recycled through a bitmap free list: bit b of bitmap word w marks
// slab w*32+b as in use.
type slabPool struct {
	count  uint32
	slots  []uint32
	bitmap []uint32
}

func newSlabPool(count int) *slabPool {
	p := &slabPool{
		count:  uint32(count),
		slots:  make([]uint32, count*warpSize),
		bitmap: make([]uint32, (count+slabsPerBlock-1)/slabsPerBlock),
	}
	for i := range p.slots {
		p.slots[i] = emptySlot
	}
	// Padding bits past count must never be handed out.
	if rem := count % slabsPerBlock; rem != 0 {
		p.bitmap[len(p.bitmap)-1] = ^uint32(0) << rem
	}
	return p
}

// allocate claims one free slab and returns its address. The seed
// rotates the starting bitmap word so that concurrent probe groups
// spread across the pool instead of all contending on word zero. The
// second return is false when a full sweep finds no free slab.
func (p *slabPool) allocate(seed uint32) (uint32, bool) {
	words := uint32(len(p.bitmap))
	if words == 0 {
		return 0, false
	}
	for attempt := uint32(0); attempt < words; attempt++ {
		w := (seed + attempt) % words
		for {
			cur := atomic.LoadUint32(&p.bitmap[w])
			free := ^cur
			if free == 0 {
				break
			}
			bit := uint32(bits.TrailingZeros32(free))
			if atomic.CompareAndSwapUint32(&p.bitmap[w], cur, cur|1<<bit) {
				return w*slabsPerBlock + bit, true
			}
		}
	}
	return 0, false
}

// free returns a slab to the pool. It is only ever called on slabs that
// lost a next-pointer race and were never linked into a chain, so their
// slots are still all empty and need no re-clearing before reuse.
func (p *slabPool) free(ptr uint32) {
	atomic.AndUint32(&p.bitmap[ptr/slabsPerBlock], ^(uint32(1) << (ptr % slabsPerBlock)))
}

// slot returns the storage cell for one lane of a slab node.
func (p *slabPool) slot(ptr uint32, lane int) *uint32 {
	return &p.slots[int(ptr)*warpSize+lane]
}

// inUse counts currently allocated slabs.
func (p *slabPool) inUse() int {
	n := 0
	for i := range p.bitmap {
		n += bits.OnesCount32(atomic.LoadUint32(&p.bitmap[i]))
	}
	if rem := int(p.count) % slabsPerBlock; rem != 0 {
		n -= slabsPerBlock - rem
	}
	return n
}
