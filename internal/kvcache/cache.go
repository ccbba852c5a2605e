// Package kvcache holds the per-layer key/value history of one decoding
// sequence.
//
// Keys and values are stored per key/value head: for head h, Keys(h) is a
// headDim x positions matrix (one column per position, ready to be the right
// operand of q·K) and Values(h) is positions x headDim. A Cache is not safe
// for concurrent use; one sequence owns it and appends in position order.
package kvcache

import (
	"fmt"

	"github.com/23skdu/quarrel-decode/internal/metrics"
	"github.com/23skdu/quarrel-decode/internal/tensor"
)

type Cache struct {
	layer   int
	heads   int
	headDim int

	keys   []*tensor.Tensor
	values []*tensor.Tensor

	positions int
}

// New returns an empty cache for one attention layer.
func New(layer, kvHeads, headDim int) *Cache {
	c := &Cache{layer: layer, heads: kvHeads, headDim: headDim}
	c.Reset()
	return c
}

func (c *Cache) Layer() int   { return c.layer }
func (c *Cache) Heads() int   { return c.heads }
func (c *Cache) HeadDim() int { return c.headDim }

// Len is the number of positions appended so far.
func (c *Cache) Len() int { return c.positions }

// Bytes is the float32 storage held by the cache.
func (c *Cache) Bytes() int64 {
	return int64(2 * c.positions * c.heads * c.headDim * 4)
}

// Append stores one position. k and v are 1 x (heads*headDim) rows holding
// every key/value head side by side. Nothing is stored if either row has the
// wrong shape.
func (c *Cache) Append(k, v *tensor.Tensor) error {
	width := c.heads * c.headDim
	if k.Rows != 1 || k.Cols != width {
		return tensor.DimensionMismatchError{Op: "kvcache key", ARows: k.Rows, ACols: k.Cols, BRows: 1, BCols: width}
	}
	if v.Rows != 1 || v.Cols != width {
		return tensor.DimensionMismatchError{Op: "kvcache value", ARows: v.Rows, ACols: v.Cols, BRows: 1, BCols: width}
	}

	for h := 0; h < c.heads; h++ {
		from, to := h*c.headDim, (h+1)*c.headDim

		col := tensor.FromRow(k.Data[from:to])
		col.Transpose()
		if err := c.keys[h].Append(col, tensor.AxisCols); err != nil {
			return fmt.Errorf("layer %d head %d: %w", c.layer, h, err)
		}
		if err := c.values[h].Append(tensor.FromRow(v.Data[from:to]), tensor.AxisRows); err != nil {
			return fmt.Errorf("layer %d head %d: %w", c.layer, h, err)
		}
	}
	c.positions++

	metrics.RecordKVCacheAppend(c.layer, c.positions)
	metrics.AddKVCacheBytes(int64(2 * width * 4))
	return nil
}

// Keys returns the headDim x Len key history of head. The tensor is owned by
// the cache and must not be modified.
func (c *Cache) Keys(head int) (*tensor.Tensor, error) {
	if err := c.checkHead(head); err != nil {
		return nil, err
	}
	return c.keys[head], nil
}

// Values returns the Len x headDim value history of head.
func (c *Cache) Values(head int) (*tensor.Tensor, error) {
	if err := c.checkHead(head); err != nil {
		return nil, err
	}
	return c.values[head], nil
}

// KeyAt copies the key vector of head at pos.
func (c *Cache) KeyAt(head, pos int) ([]float32, error) {
	if err := c.checkPos(head, pos); err != nil {
		return nil, err
	}
	out := make([]float32, c.headDim)
	keys := c.keys[head]
	for d := 0; d < c.headDim; d++ {
		out[d] = keys.At(d, pos)
	}
	return out, nil
}

// ValueAt copies the value vector of head at pos.
func (c *Cache) ValueAt(head, pos int) ([]float32, error) {
	if err := c.checkPos(head, pos); err != nil {
		return nil, err
	}
	return c.values[head].Row(pos), nil
}

// Truncate drops every position from n on. It is a no-op when the cache
// holds n positions or fewer.
func (c *Cache) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n >= c.positions {
		return
	}
	dropped := c.Bytes()
	for h := 0; h < c.heads; h++ {
		keys := tensor.Zeros(c.headDim, n)
		for d := 0; d < c.headDim; d++ {
			copy(keys.Data[d*n:(d+1)*n], c.keys[h].Data[d*c.positions:d*c.positions+n])
		}
		c.keys[h] = keys

		values := tensor.Zeros(n, c.headDim)
		copy(values.Data, c.values[h].Data[:n*c.headDim])
		c.values[h] = values
	}
	c.positions = n
	metrics.AddKVCacheBytes(c.Bytes() - dropped)
	metrics.KVCachePositions.WithLabelValues(fmt.Sprint(c.layer)).Set(float64(n))
}

// Reset drops every position.
func (c *Cache) Reset() {
	if c.positions > 0 {
		metrics.AddKVCacheBytes(-c.Bytes())
	}
	c.keys = make([]*tensor.Tensor, c.heads)
	c.values = make([]*tensor.Tensor, c.heads)
	for h := 0; h < c.heads; h++ {
		c.keys[h] = tensor.Zeros(c.headDim, 0)
		c.values[h] = tensor.Zeros(0, c.headDim)
	}
	c.positions = 0
	metrics.KVCachePositions.WithLabelValues(fmt.Sprint(c.layer)).Set(0)
}

func (c *Cache) checkHead(head int) error {
	if head < 0 || head >= c.heads {
		return tensor.InvalidInputError{Op: "kvcache", Reason: fmt.Sprintf("head %d out of range [0,%d)", head, c.heads)}
	}
	return nil
}

func (c *Cache) checkPos(head, pos int) error {
	if err := c.checkHead(head); err != nil {
		return err
	}
	if pos < 0 || pos >= c.positions {
		return tensor.InvalidInputError{Op: "kvcache", Reason: fmt.Sprintf("position %d out of range [0,%d)", pos, c.positions)}
	}
	return nil
}
