// Package weights turns flat float32 buffers into named, length-checked
// sub-buffers and reads the GRMD weight stream produced by the conversion
// script.
package weights

import (
	"fmt"
	"strings"

	"github.com/23skdu/quarrel-decode/internal/tensor"
)

// Segment is one named, contiguous region of a flat weight buffer.
type Segment struct {
	Name string
	Size int
}

// Layout is an ordered list of segments. Split is the single place where a
// buffer's length is checked against the layout.
type Layout struct {
	Name     string
	Segments []Segment
}

func (l Layout) Size() int {
	n := 0
	for _, s := range l.Segments {
		n += s.Size
	}
	return n
}

func (l Layout) Names() []string {
	names := make([]string, len(l.Segments))
	for i, s := range l.Segments {
		names[i] = s.Name
	}
	return names
}

// Split copies buf into one sub-buffer per segment.
func (l Layout) Split(buf []float32) (map[string][]float32, error) {
	if want := l.Size(); len(buf) != want {
		return nil, tensor.SizeMismatchError{
			What: fmt.Sprintf("%s [%s]", l.Name, strings.Join(l.Names(), ",")),
			Got:  len(buf),
			Want: want,
		}
	}
	out := make(map[string][]float32, len(l.Segments))
	cursor := 0
	for _, s := range l.Segments {
		part := make([]float32, s.Size)
		copy(part, buf[cursor:cursor+s.Size])
		out[s.Name] = part
		cursor += s.Size
	}
	return out, nil
}

const (
	QProj    = "q_proj"
	KProj    = "k_proj"
	VProj    = "v_proj"
	OProj    = "o_proj"
	GateProj = "gate_proj"
	UpProj   = "up_proj"
	DownProj = "down_proj"
)

// AttentionLayout is q, k, v, o in that order.
func AttentionLayout(hiddenSize, qSize, kvSize int) Layout {
	return Layout{
		Name: "attention",
		Segments: []Segment{
			{QProj, hiddenSize * qSize},
			{KProj, hiddenSize * kvSize},
			{VProj, hiddenSize * kvSize},
			{OProj, qSize * hiddenSize},
		},
	}
}

// MLPLayout follows the weight file order: down, gate, up.
func MLPLayout(hiddenSize, intermediateSize int) Layout {
	n := hiddenSize * intermediateSize
	return Layout{
		Name: "mlp",
		Segments: []Segment{
			{DownProj, n},
			{GateProj, n},
			{UpProj, n},
		},
	}
}

// OffsetGain returns a copy of gain with delta added to every element.
// RMSNorm checkpoints store gain-1, so loaders pass delta=1.
func OffsetGain(gain []float32, delta float32) []float32 {
	out := make([]float32, len(gain))
	for i, g := range gain {
		out[i] = g + delta
	}
	return out
}
