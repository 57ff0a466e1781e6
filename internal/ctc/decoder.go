package ctc

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when a score matrix does not have the
// shape the decoder expects.
var ErrDimensionMismatch = errors.New("ctc: dimension mismatch")

// Matrix holds per-frame symbol scores in row-major [frame][symbol] order.
type Matrix struct {
	Data    []float32
	Frames  int
	Symbols int
}

// NewMatrix wraps a flat score buffer of frames*symbols values.
func NewMatrix(data []float32, symbols int) (Matrix, error) {
	if symbols <= 0 {
		return Matrix{}, fmt.Errorf("%w: symbol count %d", ErrDimensionMismatch, symbols)
	}
	if len(data)%symbols != 0 {
		return Matrix{}, fmt.Errorf("%w: %d scores is not a multiple of %d symbols", ErrDimensionMismatch, len(data), symbols)
	}
	return Matrix{Data: data, Frames: len(data) / symbols, Symbols: symbols}, nil
}

// Row returns the scores of frame t.
func (m Matrix) Row(t int) []float32 {
	return m.Data[t*m.Symbols : (t+1)*m.Symbols]
}

// Decoder performs greedy frame-synchronous decoding with blank collapse.
type Decoder struct {
	// Blank is the non-emitting symbol.
	Blank int
	// VocabSize, when positive, is the row length every matrix must have.
	VocabSize int
}

// Decode picks the best symbol per frame and collapses the result.
func (d Decoder) Decode(m Matrix) ([]int, error) {
	if err := d.check(m); err != nil {
		return nil, err
	}
	symbols := make([]int, m.Frames)
	for t := 0; t < m.Frames; t++ {
		symbols[t] = Argmax(m.Row(t))
	}
	return d.Collapse(symbols), nil
}

// Collapse applies the emission rule to a per-frame symbol path: a symbol is
// emitted when it is neither blank nor equal to the previous frame's symbol.
// The previous symbol is updated on every frame, blanks included, so a blank
// between two runs of the same symbol yields two emissions.
func (d Decoder) Collapse(path []int) []int {
	tokens := make([]int, 0, len(path)/2)
	prev := d.Blank
	for _, sym := range path {
		if sym != d.Blank && sym != prev {
			tokens = append(tokens, sym)
		}
		prev = sym
	}
	return tokens
}

func (d Decoder) check(m Matrix) error {
	if m.Frames < 0 || m.Symbols < 0 {
		return fmt.Errorf("%w: negative shape %dx%d", ErrDimensionMismatch, m.Frames, m.Symbols)
	}
	if m.Frames > 0 && m.Symbols == 0 {
		return fmt.Errorf("%w: %d frames with no symbols", ErrDimensionMismatch, m.Frames)
	}
	if len(m.Data) != m.Frames*m.Symbols {
		return fmt.Errorf("%w: have %d scores, shape %dx%d", ErrDimensionMismatch, len(m.Data), m.Frames, m.Symbols)
	}
	if d.VocabSize > 0 && m.Frames > 0 && m.Symbols != d.VocabSize {
		return fmt.Errorf("%w: row length %d, vocabulary size %d", ErrDimensionMismatch, m.Symbols, d.VocabSize)
	}
	return nil
}

// Argmax returns the index of the largest score. Ties go to the lowest index
// because only a strictly greater score replaces the current best.
func Argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}
