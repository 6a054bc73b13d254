package slabhash

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestSlabPoolAllocate(t *testing.T) {
	p := newSlabPool(5)

	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		ptr, ok := p.allocate(uint32(i))
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, ptr, test.ShouldBeLessThan, 5)
		test.That(t, seen[ptr], test.ShouldBeFalse)
		seen[ptr] = true
	}
	test.That(t, p.inUse(), test.ShouldEqual, 5)

	// Padding bits of the last bitmap word never leak out as slabs.
	_, ok := p.allocate(0)
	test.That(t, ok, test.ShouldBeFalse)

	p.free(3)
	test.That(t, p.inUse(), test.ShouldEqual, 4)
	ptr, ok := p.allocate(7)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ptr, test.ShouldEqual, 3)
}

func TestSlabPoolSlotsStartEmpty(t *testing.T) {
	p := newSlabPool(2)
	for lane := 0; lane < warpSize; lane++ {
		test.That(t, *p.slot(0, lane), test.ShouldEqual, emptySlot)
		test.That(t, *p.slot(1, lane), test.ShouldEqual, emptySlot)
	}
}

func TestSlabPoolConcurrentAllocate(t *testing.T) {
	const total = 64 * 8
	p := newSlabPool(total)

	var mu sync.Mutex
	seen := make(map[uint32]bool, total)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				ptr, ok := p.allocate(uint32(w * 31))
				test.That(t, ok, test.ShouldBeTrue)
				mu.Lock()
				test.That(t, seen[ptr], test.ShouldBeFalse)
				seen[ptr] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	test.That(t, len(seen), test.ShouldEqual, total)
	test.That(t, p.inUse(), test.ShouldEqual, total)
	_, ok := p.allocate(0)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSlabPoolFreeUntouchedReuse(t *testing.T) {
	p := newSlabPool(1)
	ptr, ok := p.allocate(0)
	test.That(t, ok, test.ShouldBeTrue)
	p.free(ptr)

	// A freed untouched slab comes back still empty.
	again, ok := p.allocate(5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, again, test.ShouldEqual, ptr)
	for lane := 0; lane < warpSize; lane++ {
		test.That(t, *p.slot(again, lane), test.ShouldEqual, emptySlot)
	}
}
