package kvcache

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/metrics"
)

// Session owns one cache per layer for a single generation. It is created
// empty, grows one position per step and is discarded with Close.
type Session struct {
	ID     string
	caches []*Cache
	closed bool
}

func NewSession(id string, layers, kvHeads, headDim int) *Session {
	s := &Session{ID: id, caches: make([]*Cache, layers)}
	for l := range s.caches {
		s.caches[l] = New(l, kvHeads, headDim)
	}
	metrics.RecordSessionOpened()
	logger.Log.Debug("Session opened", "session", id, "layers", layers, "kv_heads", kvHeads, "head_dim", headDim)
	return s
}

func (s *Session) Layers() int {
	return len(s.caches)
}

// Layer returns the cache of layer l.
func (s *Session) Layer(l int) (*Cache, error) {
	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.ID)
	}
	if l < 0 || l >= len(s.caches) {
		return nil, fmt.Errorf("layer %d out of range [0,%d)", l, len(s.caches))
	}
	return s.caches[l], nil
}

// Positions is the number of positions every layer has consumed. Layers only
// disagree in the middle of a step.
func (s *Session) Positions() int {
	if len(s.caches) == 0 {
		return 0
	}
	return s.caches[len(s.caches)-1].Len()
}

func (s *Session) Bytes() int64 {
	var n int64
	for _, c := range s.caches {
		n += c.Bytes()
	}
	return n
}

// Reset empties every layer so the session can start a new sequence.
func (s *Session) Reset() {
	for _, c := range s.caches {
		c.Reset()
	}
}

func (s *Session) Close() {
	if s.closed {
		return
	}
	logger.Log.Debug("Session closed", "session", s.ID, "positions", s.Positions(), "bytes", s.Bytes())
	s.Reset()
	s.closed = true
	metrics.RecordSessionClosed()
}

// SessionID derives a stable identifier from a token prefix, so a cache
// snapshot taken after a prompt can be found again for the same prompt.
func SessionID(tokens []int) string {
	h := xxhash.New()
	var buf [8]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint64(buf[:], uint64(t))
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
