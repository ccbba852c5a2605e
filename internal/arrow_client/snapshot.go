// Package arrow_client ships attention cache snapshots over Arrow Flight, so
// a session that has consumed a prompt can be stored and resumed elsewhere.
package arrow_client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/tensor"
)

const (
	ColLayer    = "layer"
	ColHead     = "head"
	ColPosition = "position"
	ColKey      = "key"
	ColValue    = "value"

	// DescriptorRoot is the first element of every snapshot descriptor path.
	DescriptorRoot = "kvcache"
)

// SnapshotSchema has one row per cached position of one key/value head.
func SnapshotSchema(headDim int) *arrow.Schema {
	vec := arrow.FixedSizeListOf(int32(headDim), arrow.PrimitiveTypes.Float32)
	return arrow.NewSchema([]arrow.Field{
		{Name: ColLayer, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColHead, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColPosition, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColKey, Type: vec},
		{Name: ColValue, Type: vec},
	}, nil)
}

// SnapshotLayout describes the cache shape a snapshot must be restored into.
type SnapshotLayout struct {
	Layers  int
	KVHeads int
	HeadDim int
}

func LayoutOf(s *kvcache.Session) (SnapshotLayout, error) {
	if s.Layers() == 0 {
		return SnapshotLayout{}, fmt.Errorf("session %s has no layers", s.ID)
	}
	c, err := s.Layer(0)
	if err != nil {
		return SnapshotLayout{}, err
	}
	return SnapshotLayout{Layers: s.Layers(), KVHeads: c.Heads(), HeadDim: c.HeadDim()}, nil
}

// SessionRecords encodes s as one record per (layer, kv head). The caller
// releases the records.
func SessionRecords(mem memory.Allocator, s *kvcache.Session) ([]arrow.Record, error) {
	layout, err := LayoutOf(s)
	if err != nil {
		return nil, err
	}
	schema := SnapshotSchema(layout.HeadDim)

	var recs []arrow.Record
	release := func() {
		for _, r := range recs {
			r.Release()
		}
	}
	for l := 0; l < layout.Layers; l++ {
		c, err := s.Layer(l)
		if err != nil {
			release()
			return nil, err
		}
		for h := 0; h < layout.KVHeads; h++ {
			rec, err := headRecord(mem, schema, c, l, h)
			if err != nil {
				release()
				return nil, err
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func headRecord(mem memory.Allocator, schema *arrow.Schema, c *kvcache.Cache, layer, head int) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	layers := b.Field(0).(*array.Int32Builder)
	heads := b.Field(1).(*array.Int32Builder)
	positions := b.Field(2).(*array.Int32Builder)
	keys := b.Field(3).(*array.FixedSizeListBuilder)
	values := b.Field(4).(*array.FixedSizeListBuilder)
	keyValues := keys.ValueBuilder().(*array.Float32Builder)
	valueValues := values.ValueBuilder().(*array.Float32Builder)

	for p := 0; p < c.Len(); p++ {
		k, err := c.KeyAt(head, p)
		if err != nil {
			return nil, err
		}
		v, err := c.ValueAt(head, p)
		if err != nil {
			return nil, err
		}
		layers.Append(int32(layer))
		heads.Append(int32(head))
		positions.Append(int32(p))
		keys.Append(true)
		keyValues.AppendValues(k, nil)
		values.Append(true)
		valueValues.AppendValues(v, nil)
	}
	return b.NewRecord(), nil
}

// RestoreSession rebuilds a session with the given id from snapshot records.
// Every (layer, head) pair must carry positions 0..n-1 for the same n.
func RestoreSession(id string, layout SnapshotLayout, recs []arrow.Record) (*kvcache.Session, error) {
	if layout.Layers <= 0 || layout.KVHeads <= 0 || layout.HeadDim <= 0 {
		return nil, tensor.InvalidInputError{Op: "snapshot restore", Reason: fmt.Sprintf("layout %+v", layout)}
	}
	width := layout.KVHeads * layout.HeadDim
	// keys[l][p] holds every head of position p side by side, as Cache.Append expects
	keys := make([][][]float32, layout.Layers)
	values := make([][][]float32, layout.Layers)
	filled := make(map[[2]int]int)

	for _, rec := range recs {
		if err := checkSchema(rec.Schema(), layout.HeadDim); err != nil {
			return nil, err
		}
		layerCol := rec.Column(0).(*array.Int32)
		headCol := rec.Column(1).(*array.Int32)
		posCol := rec.Column(2).(*array.Int32)
		keyCol := rec.Column(3).(*array.FixedSizeList)
		valueCol := rec.Column(4).(*array.FixedSizeList)
		keyFloats := keyCol.ListValues().(*array.Float32).Float32Values()
		valueFloats := valueCol.ListValues().(*array.Float32).Float32Values()

		for i := 0; i < int(rec.NumRows()); i++ {
			l, h, p := int(layerCol.Value(i)), int(headCol.Value(i)), int(posCol.Value(i))
			if l < 0 || l >= layout.Layers || h < 0 || h >= layout.KVHeads || p < 0 {
				return nil, tensor.InvalidInputError{Op: "snapshot restore", Reason: fmt.Sprintf("row %d addresses layer %d head %d position %d", i, l, h, p)}
			}
			for len(keys[l]) <= p {
				keys[l] = append(keys[l], make([]float32, width))
				values[l] = append(values[l], make([]float32, width))
			}
			ks, ke := keyCol.ValueOffsets(i)
			vs, ve := valueCol.ValueOffsets(i)
			copy(keys[l][p][h*layout.HeadDim:], keyFloats[ks:ke])
			copy(values[l][p][h*layout.HeadDim:], valueFloats[vs:ve])
			filled[[2]int{l, h}]++
		}
	}

	positions := len(keys[0])
	for l := 0; l < layout.Layers; l++ {
		for h := 0; h < layout.KVHeads; h++ {
			if n := filled[[2]int{l, h}]; n != positions || len(keys[l]) != positions {
				return nil, tensor.InvalidInputError{Op: "snapshot restore", Reason: fmt.Sprintf(
					"layer %d head %d carries %d positions, want %d", l, h, n, positions)}
			}
		}
	}

	s := kvcache.NewSession(id, layout.Layers, layout.KVHeads, layout.HeadDim)
	for l := 0; l < layout.Layers; l++ {
		c, _ := s.Layer(l)
		for p := 0; p < positions; p++ {
			if err := c.Append(tensor.FromRow(keys[l][p]), tensor.FromRow(values[l][p])); err != nil {
				s.Close()
				return nil, fmt.Errorf("restore layer %d position %d: %w", l, p, err)
			}
		}
	}
	return s, nil
}

func checkSchema(schema *arrow.Schema, headDim int) error {
	if !schema.Equal(SnapshotSchema(headDim)) {
		return tensor.InvalidInputError{Op: "snapshot restore", Reason: fmt.Sprintf("unexpected schema %s", schema)}
	}
	return nil
}

// snapshotBytes is the float32 payload of recs, without Arrow framing.
func snapshotBytes(recs []arrow.Record, headDim int) int64 {
	var rows int64
	for _, r := range recs {
		rows += r.NumRows()
	}
	return rows * int64(3*4+2*headDim*4)
}
