package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/quarrel-decode/internal/config"
	"github.com/23skdu/quarrel-decode/internal/logger"
)

const (
	Magic = "GRMD"

	// upper bound on the header string; the converter writes a short model id
	maxHeaderLen = 1 << 16
	chunkValues  = 1 << 16
)

type ErrInvalidMagic struct{ Header string }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid weight file header %q (want %s prefix)", e.Header, Magic)
}

type ErrTruncated struct {
	Tensor string
	Read   int
	Want   int
}

func (e ErrTruncated) Error() string {
	return fmt.Sprintf("weight file truncated in %s: read %d of %d values", e.Tensor, e.Read, e.Want)
}

// TensorSpec names one tensor of the weight stream and its element count.
type TensorSpec struct {
	Name string
	Size int
}

func LayerTensorName(layer int, suffix string) string {
	return fmt.Sprintf("model.layers.%d.%s", layer, suffix)
}

// AttentionTensor names projection proj (QProj..OProj) of layer.
func AttentionTensor(layer int, proj string) string {
	return LayerTensorName(layer, "self_attn."+proj+".weight")
}

// MLPTensor names projection proj (GateProj, UpProj, DownProj) of layer.
func MLPTensor(layer int, proj string) string {
	return LayerTensorName(layer, "mlp."+proj+".weight")
}

// LayoutTensors lists the file tensors that make up l for one layer, in l's order.
func LayoutTensors(layer int, l Layout) []string {
	names := make([]string, len(l.Segments))
	for i, s := range l.Segments {
		if l.Name == "mlp" {
			names[i] = MLPTensor(layer, s.Name)
		} else {
			names[i] = AttentionTensor(layer, s.Name)
		}
	}
	return names
}

const (
	EmbedTokens = "model.embed_tokens.weight"
	FinalNorm   = "model.norm.weight"

	InputLayerNorm         = "input_layernorm.weight"
	PostAttentionLayerNorm = "post_attention_layernorm.weight"
	PreFeedForwardNorm     = "pre_feedforward_layernorm.weight"
	PostFeedForwardNorm    = "post_feedforward_layernorm.weight"
)

// layerKinds is the per-layer tensor order of the converter. Each kind is
// written for every layer before the next kind starts.
var layerKinds = []struct {
	name func(layer int) string
	size func(cfg config.Config) int
}{
	{func(l int) string { return LayerTensorName(l, InputLayerNorm) }, func(c config.Config) int { return c.HiddenSize }},
	{func(l int) string { return AttentionTensor(l, QProj) }, func(c config.Config) int { return c.QSize() * c.HiddenSize }},
	{func(l int) string { return AttentionTensor(l, KProj) }, func(c config.Config) int { return c.KVSize() * c.HiddenSize }},
	{func(l int) string { return AttentionTensor(l, VProj) }, func(c config.Config) int { return c.KVSize() * c.HiddenSize }},
	{func(l int) string { return AttentionTensor(l, OProj) }, func(c config.Config) int { return c.HiddenSize * c.QSize() }},
	{func(l int) string { return LayerTensorName(l, PostAttentionLayerNorm) }, func(c config.Config) int { return c.HiddenSize }},
	{func(l int) string { return LayerTensorName(l, PreFeedForwardNorm) }, func(c config.Config) int { return c.HiddenSize }},
	{func(l int) string { return MLPTensor(l, DownProj) }, func(c config.Config) int { return c.HiddenSize * c.IntermediateSize }},
	{func(l int) string { return MLPTensor(l, GateProj) }, func(c config.Config) int { return c.IntermediateSize * c.HiddenSize }},
	{func(l int) string { return MLPTensor(l, UpProj) }, func(c config.Config) int { return c.IntermediateSize * c.HiddenSize }},
	{func(l int) string { return LayerTensorName(l, PostFeedForwardNorm) }, func(c config.Config) int { return c.HiddenSize }},
}

// FileLayout lists the tensors of a GRMD stream in the order the converter
// writes them: embed_tokens, then every layer's input_layernorm, then every
// layer's q_proj and so on, then the final norm.
func FileLayout(cfg config.Config) []TensorSpec {
	specs := make([]TensorSpec, 0, 2+len(layerKinds)*cfg.Layers)
	specs = append(specs, TensorSpec{EmbedTokens, cfg.VocabSize * cfg.HiddenSize})
	for _, kind := range layerKinds {
		size := kind.size(cfg)
		for l := 0; l < cfg.Layers; l++ {
			specs = append(specs, TensorSpec{kind.name(l), size})
		}
	}
	return append(specs, TensorSpec{FinalNorm, cfg.HiddenSize})
}

// File is a fully read GRMD weight stream.
type File struct {
	Header   string
	Checksum uint64
	tensors  map[string][]float32
	order    []string
}

func (f *File) Tensor(name string) ([]float32, error) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found in weight file", name)
	}
	return t, nil
}

func (f *File) Names() []string {
	return f.order
}

// Concat joins the named tensors into one buffer, in the given order.
func (f *File) Concat(names ...string) ([]float32, error) {
	n := 0
	parts := make([][]float32, len(names))
	for i, name := range names {
		t, err := f.Tensor(name)
		if err != nil {
			return nil, err
		}
		parts[i] = t
		n += len(t)
	}
	out := make([]float32, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Progress is called after every tensor with the number of values read so far.
type Progress func(done, total int64)

func ReadFile(path string, cfg config.Config, progress Progress) (*File, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fp.Close()
	}()
	return Read(fp, cfg, progress)
}

// Read parses a GRMD stream laid out for cfg. The checksum covers every byte
// read, header included.
func Read(r io.Reader, cfg config.Config, progress Progress) (*File, error) {
	h := xxhash.New()
	br := bufio.NewReaderSize(io.TeeReader(r, h), 1<<20)

	var headerLen uint32
	if err := binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}
	if headerLen > maxHeaderLen {
		return nil, ErrInvalidMagic{Header: fmt.Sprintf("<%d byte header>", headerLen)}
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if !strings.HasPrefix(string(header), Magic) {
		return nil, ErrInvalidMagic{Header: string(header)}
	}

	layout := FileLayout(cfg)
	var total int64
	for _, s := range layout {
		total += int64(s.Size)
	}

	f := &File{
		Header:  string(header),
		tensors: make(map[string][]float32, len(layout)),
		order:   make([]string, 0, len(layout)),
	}

	buf := make([]byte, 4*chunkValues)
	var done int64
	for _, spec := range layout {
		values := make([]float32, spec.Size)
		for off := 0; off < spec.Size; {
			n := spec.Size - off
			if n > chunkValues {
				n = chunkValues
			}
			if _, err := io.ReadFull(br, buf[:4*n]); err != nil {
				return nil, ErrTruncated{Tensor: spec.Name, Read: off, Want: spec.Size}
			}
			for i := 0; i < n; i++ {
				values[off+i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
			}
			off += n
		}
		f.tensors[spec.Name] = values
		f.order = append(f.order, spec.Name)
		done += int64(spec.Size)
		if progress != nil {
			progress(done, total)
		}
	}

	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("weight file has trailing data after %d values", total)
	}

	f.Checksum = h.Sum64()
	logger.Log.Debug("Weight file read", "header", f.Header, "tensors", len(f.order), "values", total, "checksum", fmt.Sprintf("%016x", f.Checksum))
	return f, nil
}

// Write emits a GRMD stream. Tensors must follow FileLayout order for Read to
// accept the result.
func Write(w io.Writer, header string, tensors [][]float32) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(header))); err != nil {
		return err
	}
	if _, err := bw.WriteString(header); err != nil {
		return err
	}
	var scratch [4]byte
	for _, t := range tensors {
		for _, v := range t {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			if _, err := bw.Write(scratch[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
