package slabhash

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// entryArena owns the storage for all key/value entries. Entries are
// fixed-width and addressed by integer handles drawn from a heap array
// holding a permutation of all handles: heap cells below heapTop are
// live, the rest are free.
//
// reserve and free are individually safe under concurrent callers, but
// never run concurrently with each other: the batch pipeline confines
// reservation to insert pass 0 and frees to commit/erase passes, and
// batches themselves are serialized by the caller.
type entryArena struct {
	capacity  int
	keySize   int
	valueSize int

	keys   []byte
	values []byte

	heap    []uint32
	heapTop atomic.Int64
}

func newEntryArena(capacity, keySize, valueSize int) *entryArena {
	a := &entryArena{
		capacity:  capacity,
		keySize:   keySize,
		valueSize: valueSize,
		keys:      make([]byte, capacity*keySize),
		values:    make([]byte, capacity*valueSize),
		heap:      make([]uint32, capacity),
	}
	for i := range a.heap {
		a.heap[i] = uint32(i)
	}
	return a
}

// reserve claims n entries in one atomic step and returns the heap base
// of the claim; the handles are heap[base] through heap[base+n-1]. The
// claim is all or nothing: on overrun it is rolled back and
// ErrCapacityExhausted returned.
func (a *entryArena) reserve(n int) (int64, error) {
	top := a.heapTop.Add(int64(n))
	if top > int64(a.capacity) {
		a.heapTop.Add(-int64(n))
		return 0, errors.Wrapf(ErrCapacityExhausted,
			"%d live entries, %d requested, capacity %d", top-int64(n), n, a.capacity)
	}
	return top - int64(n), nil
}

// free pushes one handle back on the heap. Concurrent frees each claim
// a distinct heap cell through the atomic decrement.
func (a *entryArena) free(h uint32) {
	top := a.heapTop.Add(-1)
	a.heap[top] = h
}

func (a *entryArena) keyAt(h uint32) []byte {
	return a.keys[int(h)*a.keySize : (int(h)+1)*a.keySize]
}

func (a *entryArena) valueAt(h uint32) []byte {
	return a.values[int(h)*a.valueSize : (int(h)+1)*a.valueSize]
}

// live is the number of currently allocated entries.
func (a *entryArena) live() int {
	return int(a.heapTop.Load())
}
