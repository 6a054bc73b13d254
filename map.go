package slabhash

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// warpSize is the lane width of a cooperative probe group and the
	// slot width of every bucket node.
	warpSize = 32
	// nextSlabLane is the reserved lane whose slot holds the chain's
	// next-slab pointer instead of an entry handle.
	nextSlabLane = warpSize - 1

	// emptySlot marks an unoccupied entry slot; emptySlab marks the end
	// of a chain. They share a value, as an entry handle and a slab
	// pointer never occupy the same slot position.
	emptySlot = ^uint32(0)
	emptySlab = ^uint32(0)
	// headSlabPtr is the traversal marker for a bucket's inline head
	// node. It is never stored in a slot.
	headSlabPtr = ^uint32(0) - 1
)

// Handle is an opaque reference to a key/value entry in a Map's arena.
type Handle uint32

// NilHandle is reported for batch elements with no associated entry.
const NilHandle = Handle(^uint32(0))

var (
	// ErrCapacityExhausted is returned when a batch would push the
	// number of live entries past the configured capacity.
	ErrCapacityExhausted = errors.New("entry capacity exhausted")
	// ErrSlabsExhausted is returned when a bucket chain needs to grow
	// and the slab pool has no free node left.
	ErrSlabsExhausted = errors.New("slab pool exhausted")
)

// Config sizes a Map. All fields are fixed for the lifetime of the
// instance; there is no online resize.
type Config struct {
	// BucketCount is the number of hash buckets.
	BucketCount int
	// Capacity is the maximum number of live entries.
	Capacity int
	// KeySize and ValueSize are the fixed widths, in bytes, of every
	// key and value. ValueSize may be zero for key-set usage.
	KeySize   int
	ValueSize int
	// SlabCount overrides the chain-node pool size. Zero sizes the pool
	// for the worst case of every entry hashing into one bucket.
	SlabCount int
}

// Validate ensures all sizing fields are usable.
func (c *Config) Validate() error {
	if c.BucketCount <= 0 {
		return errors.Errorf("bucket count must be positive, got %d", c.BucketCount)
	}
	if c.Capacity <= 0 {
		return errors.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Capacity >= int(headSlabPtr) {
		return errors.Errorf("capacity %d too large for 32-bit handles", c.Capacity)
	}
	if c.KeySize <= 0 {
		return errors.Errorf("key size must be positive, got %d", c.KeySize)
	}
	if c.ValueSize < 0 {
		return errors.Errorf("value size must be non-negative, got %d", c.ValueSize)
	}
	if c.SlabCount < 0 || c.SlabCount >= int(headSlabPtr) {
		return errors.Errorf("invalid slab count %d", c.SlabCount)
	}
	return nil
}

func (c *Config) slabCount() int {
	if c.SlabCount > 0 {
		return c.SlabCount
	}
	// Each node stores nextSlabLane entries; worst case chains all of
	// capacity behind a single bucket's head node.
	return c.Capacity/nextSlabLane + 1
}

// Map is a fixed-capacity concurrent hash map with slab-list buckets.
// The zero value is not usable; construct with NewMap. Batches must be
// serialized by the caller: no two of Insert, Find, Erase,
// ActiveHandles, or BucketCounts may run concurrently on one Map.
type Map struct {
	cfg    Config
	logger golog.Logger

	buckets *bucketTable
	slabs   *slabPool
	arena   *entryArena
}

// NewMap returns a Map sized by cfg. All allocator state is owned by
// the instance, so any number of Maps may coexist in one process.
func NewMap(cfg Config, logger golog.Logger) (*Map, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid map config")
	}
	m := &Map{
		cfg:     cfg,
		logger:  logger,
		buckets: newBucketTable(cfg.BucketCount),
		slabs:   newSlabPool(cfg.slabCount()),
		arena:   newEntryArena(cfg.Capacity, cfg.KeySize, cfg.ValueSize),
	}
	logger.Debugw("slab hash map created",
		"buckets", cfg.BucketCount,
		"capacity", cfg.Capacity,
		"key_size", cfg.KeySize,
		"value_size", cfg.ValueSize,
		"slabs", cfg.slabCount(),
	)
	return m, nil
}

// Len is the number of live entries.
func (m *Map) Len() int {
	return m.arena.live()
}

// Capacity is the configured maximum number of live entries.
func (m *Map) Capacity() int {
	return m.cfg.Capacity
}

// BucketCount is the configured number of hash buckets.
func (m *Map) BucketCount() int {
	return m.cfg.BucketCount
}

// KeySize is the fixed key width in bytes.
func (m *Map) KeySize() int {
	return m.cfg.KeySize
}

// ValueSize is the fixed value width in bytes.
func (m *Map) ValueSize() int {
	return m.cfg.ValueSize
}

// ResolveKey returns a view of the key bytes of a live entry, or nil
// for NilHandle or an out-of-range handle. The view is valid until the
// entry is erased.
func (m *Map) ResolveKey(h Handle) []byte {
	if int64(h) >= int64(m.cfg.Capacity) {
		return nil
	}
	return m.arena.keyAt(uint32(h))
}

// ResolveValue returns a view of the value bytes of a live entry, or
// nil for NilHandle or an out-of-range handle.
func (m *Map) ResolveValue(h Handle) []byte {
	if int64(h) >= int64(m.cfg.Capacity) {
		return nil
	}
	return m.arena.valueAt(uint32(h))
}

func (m *Map) bucketOf(key []byte) uint32 {
	return uint32(xxhash.Sum64(key) % uint64(m.cfg.BucketCount))
}

// batchCount validates a flat batch buffer against a fixed element
// width and returns the element count.
func batchCount(name string, buf []byte, width int) (int, error) {
	if width == 0 {
		return 0, nil
	}
	if len(buf)%width != 0 {
		return 0, errors.Errorf("%s buffer length %d not a multiple of width %d", name, len(buf), width)
	}
	return len(buf) / width, nil
}

// runGroups partitions a batch into probe groups of warpSize elements
// and runs them across a bounded pool of goroutines. run receives the
// prepared group and the batch offset of its first element, and must
// harvest per-lane results itself.
func (m *Map) runGroups(keys []byte, count int, run func(g *laneGroup, start, lanes int)) error {
	ks := m.cfg.KeySize
	var eg errgroup.Group
	eg.SetLimit(parallelFactor)
	for start := 0; start < count; start += warpSize {
		start := start
		eg.Go(func() error {
			var g laneGroup
			g.seed = uint32(start / warpSize)
			lanes := count - start
			if lanes > warpSize {
				lanes = warpSize
			}
			for lane := 0; lane < lanes; lane++ {
				i := start + lane
				key := keys[i*ks : (i+1)*ks]
				g.active[lane] = true
				g.key[lane] = key
				g.bucket[lane] = m.bucketOf(key)
				g.out[lane] = emptySlot
			}
			run(&g, start, lanes)
			return g.err
		})
	}
	return eg.Wait()
}

// Insert adds a batch of fixed-width keys with their values. values may
// be nil to skip value commit (key-set usage). It returns, aligned with
// the batch, the entry handle and a success flag per element: false
// means the key was already present (either before the batch or
// installed by an earlier-settling duplicate within it) and that
// element's entry was rolled back.
//
// The whole batch fails with ErrCapacityExhausted when it would overrun
// capacity, and with ErrSlabsExhausted when a bucket chain cannot grow;
// in the latter case the returned masks still describe exactly which
// elements were linked before the pool ran dry.
func (m *Map) Insert(keys, values []byte) ([]Handle, []bool, error) {
	count, err := batchCount("key", keys, m.cfg.KeySize)
	if err != nil {
		return nil, nil, err
	}
	if values != nil {
		vcount, err := batchCount("value", values, m.cfg.ValueSize)
		if err != nil {
			return nil, nil, err
		}
		if m.cfg.ValueSize > 0 && vcount != count {
			return nil, nil, errors.Errorf("got %d values for %d keys", vcount, count)
		}
	}
	handles := make([]Handle, count)
	ok := make([]bool, count)
	if count == 0 {
		return handles, ok, nil
	}

	base, err := m.arena.reserve(count)
	if err != nil {
		return nil, nil, err
	}

	ks := m.cfg.KeySize
	// Pass 0: install every key into its pre-claimed entry before any
	// linking, so a racing group that reads a claimed slot always sees
	// complete key bytes.
	forEachRange(count, func(from, to int) {
		for i := from; i < to; i++ {
			h := m.arena.heap[base+int64(i)]
			copy(m.arena.keyAt(h), keys[i*ks:(i+1)*ks])
			handles[i] = Handle(h)
		}
	})

	// Pass 1: link keys into bucket chains.
	linkErr := m.runGroups(keys, count, func(g *laneGroup, start, lanes int) {
		for lane := 0; lane < lanes; lane++ {
			g.handle[lane] = uint32(handles[start+lane])
		}
		m.insertGroup(g)
		for lane := 0; lane < lanes; lane++ {
			ok[start+lane] = g.ok[lane]
		}
	})

	// Pass 2: commit values for linked entries, roll back the rest.
	vs := m.cfg.ValueSize
	forEachRange(count, func(from, to int) {
		for i := from; i < to; i++ {
			if ok[i] {
				if values != nil && vs > 0 {
					copy(m.arena.valueAt(uint32(handles[i])), values[i*vs:(i+1)*vs])
				}
				continue
			}
			m.arena.free(uint32(handles[i]))
			handles[i] = NilHandle
		}
	})

	if linkErr != nil {
		return handles, ok, errors.Wrap(linkErr, "insert batch")
	}
	return handles, ok, nil
}

// Find resolves a batch of keys to their live entry handles. Misses are
// reported per element as found=false with NilHandle, never as an
// error.
func (m *Map) Find(keys []byte) ([]Handle, []bool, error) {
	count, err := batchCount("key", keys, m.cfg.KeySize)
	if err != nil {
		return nil, nil, err
	}
	handles := make([]Handle, count)
	found := make([]bool, count)
	if count == 0 {
		return handles, found, nil
	}
	if err := m.runGroups(keys, count, func(g *laneGroup, start, lanes int) {
		m.findGroup(g)
		for lane := 0; lane < lanes; lane++ {
			handles[start+lane] = Handle(g.out[lane])
			found[start+lane] = g.ok[lane]
		}
	}); err != nil {
		return nil, nil, err
	}
	return handles, found, nil
}

// Erase removes a batch of keys. For each element it reports whether a
// live entry was evicted and, if so, the handle that held it; the entry
// itself is returned to the arena, so reported handles are dead on
// return. Erasing the same key many times in one batch evicts it
// exactly once.
func (m *Map) Erase(keys []byte) ([]Handle, []bool, error) {
	count, err := batchCount("key", keys, m.cfg.KeySize)
	if err != nil {
		return nil, nil, err
	}
	handles := make([]Handle, count)
	found := make([]bool, count)
	if count == 0 {
		return handles, found, nil
	}
	if err := m.runGroups(keys, count, func(g *laneGroup, start, lanes int) {
		m.eraseGroup(g)
		for lane := 0; lane < lanes; lane++ {
			handles[start+lane] = Handle(g.out[lane])
			found[start+lane] = g.ok[lane]
		}
	}); err != nil {
		return nil, nil, err
	}
	// Second pass: return evicted entries to the arena. Kept out of the
	// probe pass so arena frees never overlap chain traversal of the
	// same batch.
	forEachRange(count, func(from, to int) {
		for i := from; i < to; i++ {
			if found[i] {
				m.arena.free(uint32(handles[i]))
			}
		}
	})
	return handles, found, nil
}

// ActiveHandles snapshots the handles of all live entries by walking
// every bucket chain, in no particular order.
func (m *Map) ActiveHandles() []Handle {
	out := make([]Handle, m.Len())
	var cursor atomic.Int64
	forEachRange(m.cfg.BucketCount, func(from, to int) {
		for b := from; b < to; b++ {
			m.collectBucket(uint32(b), out, &cursor)
		}
	})
	return out[:cursor.Load()]
}

func (m *Map) collectBucket(bucket uint32, out []Handle, cursor *atomic.Int64) {
	ptr := headSlabPtr
	for {
		var next uint32
		for lane := 0; lane < warpSize; lane++ {
			v := atomic.LoadUint32(m.slotAddr(ptr, bucket, lane))
			if lane == nextSlabLane {
				next = v
				continue
			}
			if v != emptySlot {
				out[cursor.Add(1)-1] = Handle(v)
			}
		}
		if next == emptySlab {
			return
		}
		ptr = next
	}
}

// BucketCounts reports the number of live entries per bucket, for load
// factor introspection.
func (m *Map) BucketCounts() []int {
	counts := make([]int, m.cfg.BucketCount)
	forEachRange(m.cfg.BucketCount, func(from, to int) {
		for b := from; b < to; b++ {
			n := 0
			ptr := headSlabPtr
			for {
				var next uint32
				for lane := 0; lane < warpSize; lane++ {
					v := atomic.LoadUint32(m.slotAddr(ptr, uint32(b), lane))
					if lane == nextSlabLane {
						next = v
					} else if v != emptySlot {
						n++
					}
				}
				if next == emptySlab {
					break
				}
				ptr = next
			}
			counts[b] = n
		}
	})
	return counts
}
