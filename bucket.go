package slabhash

// bucketTable holds the inline head node of every bucket: warpSize slot
// cells per bucket in one flat array. It is pure address arithmetic;
// atomicity is the probe engine's responsibility.
type bucketTable struct {
	count uint32
	slots []uint32
}

func newBucketTable(count int) *bucketTable {
	t := &bucketTable{
		count: uint32(count),
		slots: make([]uint32, count*warpSize),
	}
	for i := range t.slots {
		t.slots[i] = emptySlot
	}
	return t
}

// slot returns the storage cell for one lane of a bucket's head node.
func (t *bucketTable) slot(bucket uint32, lane int) *uint32 {
	return &t.slots[int(bucket)*warpSize+lane]
}

// slotAddr resolves a (node, lane) position to its storage cell,
// distinguishing the bucket's inline head from chained slab nodes.
func (m *Map) slotAddr(slabPtr, bucket uint32, lane int) *uint32 {
	if slabPtr == headSlabPtr {
		return m.buckets.slot(bucket, lane)
	}
	return m.slabs.slot(slabPtr, lane)
}
