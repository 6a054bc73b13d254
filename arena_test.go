package slabhash

import (
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestArenaReserve(t *testing.T) {
	a := newEntryArena(8, 4, 2)

	base, err := a.reserve(5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, base, test.ShouldEqual, 0)
	test.That(t, a.live(), test.ShouldEqual, 5)

	// An overrunning claim rolls back completely.
	_, err = a.reserve(4)
	test.That(t, errors.Is(err, ErrCapacityExhausted), test.ShouldBeTrue)
	test.That(t, a.live(), test.ShouldEqual, 5)

	base, err = a.reserve(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, base, test.ShouldEqual, 5)
	test.That(t, a.live(), test.ShouldEqual, 8)

	_, err = a.reserve(1)
	test.That(t, errors.Is(err, ErrCapacityExhausted), test.ShouldBeTrue)
}

func TestArenaFreeRecycles(t *testing.T) {
	a := newEntryArena(4, 4, 0)

	base, err := a.reserve(4)
	test.That(t, err, test.ShouldBeNil)
	handles := make([]uint32, 4)
	copy(handles, a.heap[base:base+4])

	for _, h := range handles {
		a.free(h)
	}
	test.That(t, a.live(), test.ShouldEqual, 0)

	// The full capacity is reservable again and the heap still holds a
	// permutation of every handle.
	_, err = a.reserve(4)
	test.That(t, err, test.ShouldBeNil)
	all := make([]int, 0, 4)
	for _, h := range a.heap {
		all = append(all, int(h))
	}
	sort.Ints(all)
	test.That(t, all, test.ShouldResemble, []int{0, 1, 2, 3})
}

func TestArenaConcurrentFree(t *testing.T) {
	const n = 1024
	a := newEntryArena(n, 4, 0)
	base, err := a.reserve(n)
	test.That(t, err, test.ShouldBeNil)
	handles := make([]uint32, n)
	copy(handles, a.heap[base:])

	// Concurrent frees must each land in a distinct heap cell.
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += 8 {
				a.free(handles[i])
			}
		}(w)
	}
	wg.Wait()

	test.That(t, a.live(), test.ShouldEqual, 0)
	seen := make(map[uint32]bool, n)
	for _, h := range a.heap {
		test.That(t, seen[h], test.ShouldBeFalse)
		seen[h] = true
	}
	test.That(t, len(seen), test.ShouldEqual, n)
}

func TestArenaResolve(t *testing.T) {
	a := newEntryArena(4, 3, 2)
	copy(a.keyAt(2), []byte{9, 8, 7})
	copy(a.valueAt(2), []byte{1, 2})
	test.That(t, a.keyAt(2), test.ShouldResemble, []byte{9, 8, 7})
	test.That(t, a.valueAt(2), test.ShouldResemble, []byte{1, 2})
	// Neighboring entries are untouched.
	test.That(t, a.keyAt(1), test.ShouldResemble, []byte{0, 0, 0})
	test.That(t, a.keyAt(3), test.ShouldResemble, []byte{0, 0, 0})
}
