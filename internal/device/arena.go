package device

import (
	"errors"
	"fmt"
)

// ErrArenaFull is returned when a fixed-capacity arena cannot satisfy an
// allocation. Allocation failures are fatal for the run.
var ErrArenaFull = errors.New("device: arena exhausted")

// Span is an offset handle into an Arena: Count elements of Stride words each.
type Span struct {
	Offset int
	Count  int
	Stride int
}

func (s Span) Words() int { return s.Count * s.Stride }
func (s Span) End() int   { return s.Offset + s.Words() }

// Arena sub-allocates typed regions from one flat word buffer.
type Arena struct {
	words []float64
	used  int
	fixed bool
}

// NewArena returns an arena limited to capacity words.
func NewArena(capacity int) *Arena {
	return &Arena{words: make([]float64, capacity), fixed: true}
}

// NewGrowableArena returns an arena that reallocates when full.
func NewGrowableArena() *Arena {
	return &Arena{}
}

// Adopt wraps an existing buffer, e.g. one received from a peer, so spans
// can be resolved against it. The arena is fixed at len(words).
func Adopt(words []float64) *Arena {
	return &Arena{words: words, used: len(words), fixed: true}
}

// Alloc reserves count elements of stride words and zeroes them.
func (a *Arena) Alloc(count, stride int) (Span, error) {
	if count < 0 || stride <= 0 {
		return Span{}, fmt.Errorf("device: bad allocation %d x %d", count, stride)
	}
	s := Span{Offset: a.used, Count: count, Stride: stride}
	need := s.End()
	if need > len(a.words) {
		if a.fixed {
			return Span{}, fmt.Errorf("%w: need %d words, have %d", ErrArenaFull, need, len(a.words))
		}
		capacity := 2 * len(a.words)
		if capacity < need {
			capacity = need
		}
		grown := make([]float64, capacity)
		copy(grown, a.words[:a.used])
		a.words = grown
	}
	clear(a.words[s.Offset:need])
	a.used = need
	return s, nil
}

// Slice resolves a span to its backing words.
func (a *Arena) Slice(s Span) []float64 {
	return a.words[s.Offset:s.End()]
}

// Used returns the allocated prefix of the arena.
func (a *Arena) Used() []float64 { return a.words[:a.used] }

func (a *Arena) Len() int { return a.used }

func (a *Arena) Reset() { a.used = 0 }
