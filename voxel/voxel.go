// Package voxel indexes the sparse voxel blocks of a 3D scene with a
// slab-list hash map, the way a TSDF integration pipeline activates and
// looks up blocks touched by incoming depth points.
package voxel

import (
	"encoding/binary"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/slabhash"
)

// BlockCoords addresses one voxel block on the infinite block grid.
type BlockCoords struct {
	I, J, K int32
}

// IsEqual tests if two BlockCoords are the same.
func (c BlockCoords) IsEqual(c2 BlockCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

const (
	// coordsSize is the encoded width of a BlockCoords key.
	coordsSize = 12
	// originSize is the encoded width of a block-origin value.
	originSize = 12
)

func putCoords(buf []byte, c BlockCoords) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(c.I))
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.J))
	binary.LittleEndian.PutUint32(buf[8:], uint32(c.K))
}

func getCoords(buf []byte) BlockCoords {
	return BlockCoords{
		I: int32(binary.LittleEndian.Uint32(buf[0:])),
		J: int32(binary.LittleEndian.Uint32(buf[4:])),
		K: int32(binary.LittleEndian.Uint32(buf[8:])),
	}
}

func putOrigin(buf []byte, o r3.Vector) {
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(float32(o.X)))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(o.Y)))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(o.Z)))
}

func getOrigin(buf []byte) r3.Vector {
	return r3.Vector{
		X: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[0:]))),
		Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:]))),
		Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:]))),
	}
}

// BlockIndexConfig sizes a BlockIndex.
type BlockIndexConfig struct {
	// BlockSize is the world-space edge length of one voxel block.
	BlockSize float64
	// BucketCount and Capacity size the underlying hash map.
	BucketCount int
	Capacity    int
}

// BlockIndex maps block coordinates to stable entry handles, which
// integration pipelines use as slots into their voxel block buffers.
// Each entry's value stores the block's world-space origin.
type BlockIndex struct {
	m         *slabhash.Map
	blockSize float64
	logger    golog.Logger
}

// NewBlockIndex returns a BlockIndex over an empty map.
func NewBlockIndex(cfg BlockIndexConfig, logger golog.Logger) (*BlockIndex, error) {
	if cfg.BlockSize <= 0 {
		return nil, errors.Errorf("block size must be positive, got %f", cfg.BlockSize)
	}
	m, err := slabhash.NewMap(slabhash.Config{
		BucketCount: cfg.BucketCount,
		Capacity:    cfg.Capacity,
		KeySize:     coordsSize,
		ValueSize:   originSize,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &BlockIndex{m: m, blockSize: cfg.BlockSize, logger: logger}, nil
}

// BlockOf returns the coordinates of the block containing a point.
func (bi *BlockIndex) BlockOf(p r3.Vector) BlockCoords {
	return BlockCoords{
		I: int32(math.Floor(p.X / bi.blockSize)),
		J: int32(math.Floor(p.Y / bi.blockSize)),
		K: int32(math.Floor(p.Z / bi.blockSize)),
	}
}

// OriginOf returns the world-space origin (minimal corner) of a block.
func (bi *BlockIndex) OriginOf(c BlockCoords) r3.Vector {
	return r3.Vector{
		X: float64(c.I) * bi.blockSize,
		Y: float64(c.J) * bi.blockSize,
		Z: float64(c.K) * bi.blockSize,
	}
}

// Touch activates the blocks covering a batch of points. Results align
// with points: ok means this point's block became live through this
// element. Points landing in an already-live block, or in a block
// activated by an earlier-settling duplicate of the same batch, report
// ok=false and NilHandle; Lookup resolves them to the live handle.
func (bi *BlockIndex) Touch(points []r3.Vector) ([]slabhash.Handle, []bool, error) {
	coords := make([]BlockCoords, len(points))
	for i, p := range points {
		coords[i] = bi.BlockOf(p)
	}
	handles, ok, err := bi.Activate(coords)
	if err != nil {
		return handles, ok, err
	}
	activated := 0
	for _, o := range ok {
		if o {
			activated++
		}
	}
	bi.logger.Debugw("touched blocks", "points", len(points), "activated", activated, "live", bi.m.Len())
	return handles, ok, nil
}

// Activate inserts a batch of block coordinates, storing each new
// block's origin as its value.
func (bi *BlockIndex) Activate(coords []BlockCoords) ([]slabhash.Handle, []bool, error) {
	keys := make([]byte, len(coords)*coordsSize)
	values := make([]byte, len(coords)*originSize)
	for i, c := range coords {
		putCoords(keys[i*coordsSize:], c)
		putOrigin(values[i*originSize:], bi.OriginOf(c))
	}
	return bi.m.Insert(keys, values)
}

// Lookup resolves a batch of block coordinates to live handles.
func (bi *BlockIndex) Lookup(coords []BlockCoords) ([]slabhash.Handle, []bool, error) {
	keys := make([]byte, len(coords)*coordsSize)
	for i, c := range coords {
		putCoords(keys[i*coordsSize:], c)
	}
	return bi.m.Find(keys)
}

// Release deactivates a batch of blocks and reports how many were live.
func (bi *BlockIndex) Release(coords []BlockCoords) (int, error) {
	keys := make([]byte, len(coords)*coordsSize)
	for i, c := range coords {
		putCoords(keys[i*coordsSize:], c)
	}
	_, found, err := bi.m.Erase(keys)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, f := range found {
		if f {
			released++
		}
	}
	return released, nil
}

// Active snapshots the coordinates of all live blocks, in no particular
// order.
func (bi *BlockIndex) Active() []BlockCoords {
	handles := bi.m.ActiveHandles()
	coords := make([]BlockCoords, len(handles))
	for i, h := range handles {
		coords[i] = getCoords(bi.m.ResolveKey(h))
	}
	return coords
}

// StoredOrigin returns the origin recorded for a live handle.
func (bi *BlockIndex) StoredOrigin(h slabhash.Handle) (r3.Vector, bool) {
	buf := bi.m.ResolveValue(h)
	if buf == nil {
		return r3.Vector{}, false
	}
	return getOrigin(buf), true
}

// Len is the number of live blocks.
func (bi *BlockIndex) Len() int {
	return bi.m.Len()
}

// Map exposes the underlying hash map for diagnostics.
func (bi *BlockIndex) Map() *slabhash.Map {
	return bi.m
}
