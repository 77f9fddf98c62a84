// Package kvcache owns the per-session attention key/value history. Entries
// are stored at half precision: for long sessions the cache is the dominant
// memory cost (layers x capacity x kvHeads x headDim per side), so halving
// it matters on constrained targets.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/quant"
)

// ErrContextOverflow is returned when an append would exceed the fixed
// capacity. There is no eviction: the caller must reset or discard the
// session. A sliding-window variant is a possible follow-up but is
// deliberately not implemented here.
var ErrContextOverflow = errors.New("kv cache capacity exhausted")

// Cache holds fixed-capacity key and value history per layer, indexed by
// position and attention head. It is exclusively owned by one session and
// is not safe for concurrent mutation.
type Cache struct {
	layers   int
	capacity int
	kvHeads  int
	headDim  int

	// Per layer, flat [capacity * kvHeads * headDim] fp16.
	keys   [][]uint16
	values [][]uint16
}

// New allocates a cache. Capacity is fixed for the cache's lifetime.
func New(layers, capacity, kvHeads, headDim int) (*Cache, error) {
	if layers <= 0 || capacity <= 0 || kvHeads <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("invalid kv cache geometry: layers=%d capacity=%d kvHeads=%d headDim=%d",
			layers, capacity, kvHeads, headDim)
	}

	c := &Cache{
		layers:   layers,
		capacity: capacity,
		kvHeads:  kvHeads,
		headDim:  headDim,
		keys:     make([][]uint16, layers),
		values:   make([][]uint16, layers),
	}
	rowLen := capacity * kvHeads * headDim
	for l := 0; l < layers; l++ {
		c.keys[l] = make([]uint16, rowLen)
		c.values[l] = make([]uint16, rowLen)
	}

	metrics.RecordKVCacheStats(c.CapacityBytes(), 0)
	return c, nil
}

// Capacity returns the maximum number of positions per layer.
func (c *Cache) Capacity() int {
	return c.capacity
}

// CapacityBytes returns the total allocated size of both sides.
func (c *Cache) CapacityBytes() int64 {
	return int64(c.layers) * 2 * int64(c.capacity) * int64(c.kvHeads) * int64(c.headDim) * 2
}

// Append stores the key and value vectors (kvHeads*headDim each) at the
// given position for one layer. Fails with ErrContextOverflow once the
// position reaches capacity; the cache is unchanged on failure.
func (c *Cache) Append(layer, pos int, k, v []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("kv cache: layer %d out of range [0,%d)", layer, c.layers)
	}
	if pos < 0 || pos >= c.capacity {
		metrics.KVCacheOverflowsTotal.Inc()
		return fmt.Errorf("kv cache: position %d with capacity %d: %w", pos, c.capacity, ErrContextOverflow)
	}
	kvDim := c.kvHeads * c.headDim
	if len(k) != kvDim || len(v) != kvDim {
		return fmt.Errorf("kv cache: vector length %d/%d, want %d", len(k), len(v), kvDim)
	}

	off := pos * kvDim
	quant.Fp32ToFp16Slice(k, c.keys[layer][off:off+kvDim])
	quant.Fp32ToFp16Slice(v, c.values[layer][off:off+kvDim])

	used := int64(c.layers) * 2 * int64(pos+1) * int64(kvDim) * 2
	metrics.RecordKVCacheStats(c.CapacityBytes(), used)
	return nil
}

// KeyRow decodes the cached key vector for (layer, pos, head) into dst,
// which must have length headDim. Callers must only read positions below
// the owning session's current position.
func (c *Cache) KeyRow(layer, pos, head int, dst []float32) {
	off := (pos*c.kvHeads + head) * c.headDim
	quant.Fp16ToFp32Slice(c.keys[layer][off:off+c.headDim], dst)
}

// ValueRow decodes the cached value vector for (layer, pos, head) into dst.
func (c *Cache) ValueRow(layer, pos, head int, dst []float32) {
	off := (pos*c.kvHeads + head) * c.headDim
	quant.Fp16ToFp32Slice(c.values[layer][off:off+c.headDim], dst)
}

// AccumValueRow adds w * value(layer, pos, head) into acc without a decode
// buffer. Used by the streaming attention inner loop.
func (c *Cache) AccumValueRow(layer, pos, head int, w float32, acc []float32) {
	off := (pos*c.kvHeads + head) * c.headDim
	row := c.values[layer][off : off+c.headDim]
	for i := range acc {
		acc[i] += w * quant.Fp16ToFp32(row[i])
	}
}
