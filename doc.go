// Package slabhash implements a fixed-capacity concurrent hash map with
// slab-list buckets, intended as the backing index for sparse voxel-block
// lookup in volumetric integration pipelines.
//
// Keys and values are fixed-width byte strings stored in a pre-sized
// entry arena and referenced by integer handles. Each bucket owns an
// inline head node of 32 slots plus a chain of slab nodes allocated on
// demand from a shared pool; chains grow but never shrink structurally,
// so concurrent traversal never observes a freed node.
//
// Operations are batched. A batch is processed by cooperative probe
// groups of 32 lanes walking bucket chains in lockstep, with all
// cross-group coordination done through compare-and-swap on packed
// integer slots. Inserts run as a three-pass pipeline (key install,
// link, value commit or rollback) so that a key is never visible before
// its storage exists and a value is never written before its key is
// safely linked. Batches on one Map must be serialized by the caller;
// all concurrency within a batch is the Map's own.
package slabhash
