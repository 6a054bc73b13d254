package slabhash

import (
	"bytes"
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"
)

// laneGroup is the software rendering of a 32-lane warp: one batch
// element per lane, processed in lockstep by a single goroutine. Many
// groups run concurrently, so every cross-group interaction (slot CAS,
// next-pointer CAS, slab bitmap CAS) is a real race resolved by the
// atomics below.
type laneGroup struct {
	seed   uint32
	active [warpSize]bool
	key    [warpSize][]byte
	bucket [warpSize]uint32
	// handle carries pre-staged arena handles into insertGroup; out
	// carries result handles back from findGroup and eraseGroup.
	handle [warpSize]uint32
	out    [warpSize]uint32
	ok     [warpSize]bool
	err    error
}

// ballot reports the still-active lanes as a bitmask.
func (g *laneGroup) ballot() uint32 {
	var q uint32
	for lane := 0; lane < warpSize; lane++ {
		if g.active[lane] {
			q |= 1 << lane
		}
	}
	return q
}

func (g *laneGroup) fail(err error) {
	if g.err == nil {
		g.err = err
	}
}

// readNode loads all warpSize slots of the current chain node, one per
// lane.
func (m *Map) readNode(slabPtr, bucket uint32, unit *[warpSize]uint32) {
	for lane := 0; lane < warpSize; lane++ {
		unit[lane] = atomic.LoadUint32(m.slotAddr(slabPtr, bucket, lane))
	}
}

// findKeyLane scans the entry lanes of a node snapshot for a slot whose
// arena entry holds key, returning the lowest matching lane or -1.
// A second live slot for the same key would break the single-owner
// invariant, which batch serialization makes impossible; treat it as
// corruption rather than picking one silently.
func (m *Map) findKeyLane(unit *[warpSize]uint32, key []byte) int {
	found := -1
	for lane := 0; lane < nextSlabLane; lane++ {
		v := unit[lane]
		if v == emptySlot || !bytes.Equal(m.arena.keyAt(v), key) {
			continue
		}
		if found >= 0 {
			panic("slabhash: duplicate live key in bucket chain")
		}
		found = lane
	}
	return found
}

// findEmptyLane returns the lowest unoccupied entry lane of a node
// snapshot, or -1 when the node is full.
func findEmptyLane(unit *[warpSize]uint32) int {
	for lane := 0; lane < nextSlabLane; lane++ {
		if unit[lane] == emptySlot {
			return lane
		}
	}
	return -1
}

// insertGroup links every active lane's pre-staged entry into its
// bucket chain. Per iteration the lowest active lane leads: the group
// scans one chain node for the leader's key and for an empty slot, then
// either aborts on a duplicate, claims the empty slot by CAS, follows
// the chain, or grows it with a speculatively allocated slab whose
// next-pointer link is itself a CAS (losing that race frees the slab
// and retries).
func (m *Map) insertGroup(g *laneGroup) {
	var prevQueue uint32
	curSlab := headSlabPtr
	var unit [warpSize]uint32
	for queue := g.ballot(); queue != 0; queue = g.ballot() {
		// A changed queue means the previous leader settled; restart
		// traversal at the new leader's bucket head.
		if queue != prevQueue {
			curSlab = headSlabPtr
		}
		leader := bits.TrailingZeros32(queue)
		bucket := g.bucket[leader]
		key := g.key[leader]

		m.readNode(curSlab, bucket, &unit)
		laneFound := m.findKeyLane(&unit, key)
		laneEmpty := findEmptyLane(&unit)

		switch {
		case laneFound >= 0:
			// Duplicate key. The pre-staged entry is rolled back by the
			// commit pass.
			g.active[leader] = false

		case laneEmpty >= 0:
			p := m.slotAddr(curSlab, bucket, laneEmpty)
			if atomic.CompareAndSwapUint32(p, emptySlot, g.handle[leader]) {
				g.active[leader] = false
				g.ok[leader] = true
			}
			// On CAS failure another group raced into the slot; rescan
			// this node. If it installed the same key we abort on the
			// next pass, otherwise we claim a different slot.

		default:
			if next := unit[nextSlabLane]; next != emptySlab {
				curSlab = next
				break
			}
			newSlab, allocated := m.slabs.allocate(g.seed + bucket)
			if !allocated {
				g.fail(errors.Wrapf(ErrSlabsExhausted, "bucket %d cannot grow", bucket))
				g.active[leader] = false
				break
			}
			p := m.slotAddr(curSlab, bucket, nextSlabLane)
			if !atomic.CompareAndSwapUint32(p, emptySlab, newSlab) {
				// Another group linked a node first; ours was never
				// visible, so it goes straight back to the pool.
				m.slabs.free(newSlab)
			}
		}
		prevQueue = queue
	}
}

// findGroup resolves every active lane's key to its live handle, or
// NilHandle when the chain ends without a match.
func (m *Map) findGroup(g *laneGroup) {
	var prevQueue uint32
	curSlab := headSlabPtr
	var unit [warpSize]uint32
	for queue := g.ballot(); queue != 0; queue = g.ballot() {
		if queue != prevQueue {
			curSlab = headSlabPtr
		}
		leader := bits.TrailingZeros32(queue)
		bucket := g.bucket[leader]

		m.readNode(curSlab, bucket, &unit)
		if lane := m.findKeyLane(&unit, g.key[leader]); lane >= 0 {
			g.out[leader] = unit[lane]
			g.ok[leader] = true
			g.active[leader] = false
		} else if next := unit[nextSlabLane]; next == emptySlab {
			g.active[leader] = false
		} else {
			curSlab = next
		}
		prevQueue = queue
	}
}

// eraseGroup unlinks every active lane's key, reporting the evicted
// handle. The slot is cleared with an atomic exchange, so of any number
// of racing erasers exactly one observes the live handle; the rest
// report not-found.
func (m *Map) eraseGroup(g *laneGroup) {
	var prevQueue uint32
	curSlab := headSlabPtr
	var unit [warpSize]uint32
	for queue := g.ballot(); queue != 0; queue = g.ballot() {
		if queue != prevQueue {
			curSlab = headSlabPtr
		}
		leader := bits.TrailingZeros32(queue)
		bucket := g.bucket[leader]

		m.readNode(curSlab, bucket, &unit)
		if lane := m.findKeyLane(&unit, g.key[leader]); lane >= 0 {
			p := m.slotAddr(curSlab, bucket, lane)
			if old := atomic.SwapUint32(p, emptySlot); old != emptySlot {
				g.out[leader] = old
				g.ok[leader] = true
			}
			g.active[leader] = false
		} else if next := unit[nextSlabLane]; next == emptySlab {
			g.active[leader] = false
		} else {
			curSlab = next
		}
		prevQueue = queue
	}
}
