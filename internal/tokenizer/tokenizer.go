// Package tokenizer reads GRTK vocabulary files and converts between text and
// token ids with SentencePiece-style score-driven merging.
package tokenizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/metrics"
)

const (
	Magic = "GRTK"

	// SpaceMarker replaces ' ' inside vocabulary pieces.
	SpaceMarker = "▁"

	// ids used when a legacy file carries no special-token header
	DefaultBOS = 2
	DefaultEOS = 1
	DefaultPad = 0
)

type ErrInvalidMagic struct{ Magic string }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid vocabulary magic %q (want %s)", e.Magic, Magic)
}

type Tokenizer struct {
	Tokens []string
	Scores []float32
	Vocab  map[string]int

	BOS int
	EOS int
	Pad int
	Unk int // -1 when the vocabulary has no <unk>

	byteTokens [256]int
}

// New builds a tokenizer from parallel token/score slices.
func New(tokens []string, scores []float32, bos, eos, pad int) (*Tokenizer, error) {
	if len(tokens) != len(scores) {
		return nil, fmt.Errorf("%d tokens but %d scores", len(tokens), len(scores))
	}
	for _, id := range []int{bos, eos, pad} {
		if id < 0 || id >= len(tokens) {
			return nil, fmt.Errorf("special token id %d outside vocabulary of %d", id, len(tokens))
		}
	}

	t := &Tokenizer{
		Tokens: tokens,
		Scores: scores,
		Vocab:  make(map[string]int, len(tokens)),
		BOS:    bos,
		EOS:    eos,
		Pad:    pad,
		Unk:    -1,
	}
	for i, tok := range tokens {
		// first occurrence wins for duplicated pieces
		if _, dup := t.Vocab[tok]; !dup {
			t.Vocab[tok] = i
		}
	}
	for b := 0; b < 256; b++ {
		t.byteTokens[b] = -1
		if id, ok := t.Vocab[fmt.Sprintf("<0x%02X>", b)]; ok {
			t.byteTokens[b] = id
		}
	}
	if id, ok := t.Vocab["<unk>"]; ok {
		t.Unk = id
	}
	return t, nil
}

func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a GRTK file. The full header carries bos/eos/pad after the
// vocabulary size; files without them are accepted when every entry parses
// exactly from offset 8.
func Parse(data []byte) (*Tokenizer, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("vocabulary file too short: %d bytes", len(data))
	}
	if string(data[:4]) != Magic {
		return nil, ErrInvalidMagic{Magic: string(data[:4])}
	}
	n := int(binary.LittleEndian.Uint32(data[4:8]))

	if len(data) >= 20 {
		tokens, scores, err := parseEntries(data[20:], n)
		if err == nil {
			bos := int(binary.LittleEndian.Uint32(data[8:12]))
			eos := int(binary.LittleEndian.Uint32(data[12:16]))
			pad := int(binary.LittleEndian.Uint32(data[16:20]))
			t, err := New(tokens, scores, bos, eos, pad)
			if err == nil {
				logger.Log.Info("Tokenizer loaded", "vocab", n, "bos", bos, "eos", eos, "pad", pad)
			}
			return t, err
		}
	}

	tokens, scores, err := parseEntries(data[8:], n)
	if err != nil {
		return nil, err
	}
	t, err := New(tokens, scores, DefaultBOS, DefaultEOS, DefaultPad)
	if err == nil {
		logger.Log.Info("Tokenizer loaded", "vocab", n, "legacy_header", true)
	}
	return t, err
}

// parseEntries requires exactly n entries filling the whole of data.
func parseEntries(data []byte, n int) ([]string, []float32, error) {
	tokens := make([]string, 0, n)
	scores := make([]float32, 0, n)
	cur := 0
	for i := 0; i < n; i++ {
		if cur+4 > len(data) {
			return nil, nil, fmt.Errorf("entry %d: truncated length", i)
		}
		size := int(binary.LittleEndian.Uint32(data[cur:]))
		cur += 4
		if size < 0 || cur+size+4 > len(data) {
			return nil, nil, fmt.Errorf("entry %d: piece of %d bytes overruns file", i, size)
		}
		tokens = append(tokens, string(data[cur:cur+size]))
		cur += size
		scores = append(scores, math.Float32frombits(binary.LittleEndian.Uint32(data[cur:])))
		cur += 4
	}
	if cur != len(data) {
		return nil, nil, fmt.Errorf("%d trailing bytes after %d entries", len(data)-cur, n)
	}
	return tokens, scores, nil
}

// Write emits t in the full GRTK layout.
func Write(w io.Writer, t *Tokenizer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return err
	}
	for _, v := range []int{len(t.Tokens), t.BOS, t.EOS, t.Pad} {
		if err := binary.Write(bw, binary.LittleEndian, uint32(v)); err != nil {
			return err
		}
	}
	for i, tok := range t.Tokens {
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(tok))); err != nil {
			return err
		}
		if _, err := bw.WriteString(tok); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, math.Float32bits(t.Scores[i])); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

// Encode splits text into code points, falling back to <0xNN> byte pieces for
// code points missing from the vocabulary, then repeatedly merges the
// adjacent pair whose concatenation has the highest score.
func (t *Tokenizer) Encode(text string, addBOS bool) []int {
	start := time.Now()
	text = strings.ReplaceAll(text, " ", SpaceMarker)

	ids := make([]int, 0, len(text)+1)
	fallbacks := 0
	for _, r := range text {
		if id, ok := t.Vocab[string(r)]; ok {
			ids = append(ids, id)
			continue
		}
		for _, b := range []byte(string(r)) {
			fallbacks++
			switch {
			case t.byteTokens[b] >= 0:
				ids = append(ids, t.byteTokens[b])
			case t.Unk >= 0:
				ids = append(ids, t.Unk)
			default:
				logger.Log.Warn("Byte not representable in vocabulary", "byte", b)
			}
		}
	}

	for {
		bestScore := float32(math.Inf(-1))
		bestID, bestIdx := -1, -1
		for i := 0; i+1 < len(ids); i++ {
			id, ok := t.Vocab[t.Tokens[ids[i]]+t.Tokens[ids[i+1]]]
			if ok && t.Scores[id] > bestScore {
				bestScore, bestID, bestIdx = t.Scores[id], id, i
			}
		}
		if bestIdx < 0 {
			break
		}
		ids[bestIdx] = bestID
		ids = append(ids[:bestIdx+1], ids[bestIdx+2:]...)
	}

	if addBOS {
		ids = append([]int{t.BOS}, ids...)
	}
	metrics.RecordTokenizerEncode(len(ids), fallbacks)
	logger.Log.Debug("Encoded prompt", "chars", len(text), "tokens", len(ids), "byte_fallbacks", fallbacks, "elapsed", time.Since(start))
	return ids
}

// Piece returns the raw bytes token id stands for. Special tokens and ids
// outside the vocabulary decode to nothing.
func (t *Tokenizer) Piece(id int) []byte {
	if id < 0 || id >= len(t.Tokens) || id == t.BOS || id == t.EOS || id == t.Pad {
		return nil
	}
	tok := t.Tokens[id]
	var b byte
	if len(tok) == 6 && strings.HasPrefix(tok, "<0x") && tok[5] == '>' {
		if _, err := fmt.Sscanf(tok, "<0x%02X>", &b); err == nil {
			return []byte{b}
		}
	}
	return []byte(strings.ReplaceAll(tok, SpaceMarker, " "))
}

// Decode concatenates the pieces of ids. Byte pieces are joined before UTF-8
// decoding so split multi-byte characters come back whole.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.Write(t.Piece(id))
	}
	return sb.String()
}
