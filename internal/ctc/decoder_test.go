package ctc

import (
	"errors"
	"slices"
	"testing"
)

// oneHot builds a matrix whose per-frame maximum follows path.
func oneHot(path []int, symbols int) Matrix {
	data := make([]float32, len(path)*symbols)
	for t, sym := range path {
		for s := 0; s < symbols; s++ {
			data[t*symbols+s] = -1
		}
		data[t*symbols+sym] = 3
	}
	return Matrix{Data: data, Frames: len(path), Symbols: symbols}
}

func TestDecodeCollapsesRepeatsButNotAcrossBlank(t *testing.T) {
	d := Decoder{Blank: 0}
	got, err := d.Decode(oneHot([]int{0, 5, 5, 0, 5, 3, 3}, 8))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int{5, 5, 3}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDecodeAllBlank(t *testing.T) {
	d := Decoder{Blank: 0}
	got, err := d.Decode(oneHot([]int{0, 0, 0, 0}, 4))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no tokens, got %v", got)
	}
}

func TestDecodeNonZeroBlank(t *testing.T) {
	d := Decoder{Blank: 2}
	got := d.Collapse([]int{2, 1, 1, 2, 0, 0, 1})
	want := []int{1, 0, 1}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDecodeLeadingSymbolNotDroppedWhenEqualToNothing(t *testing.T) {
	d := Decoder{Blank: 0}
	got := d.Collapse([]int{4, 4, 4})
	if !slices.Equal(got, []int{4}) {
		t.Fatalf("expected [4], got %v", got)
	}
}

func TestArgmaxTieBreaksToLowestIndex(t *testing.T) {
	if got := Argmax([]float32{1, 1, 1, 1}); got != 0 {
		t.Fatalf("expected index 0 for all-equal row, got %d", got)
	}
	if got := Argmax([]float32{0, 2, 7, 7, 1}); got != 2 {
		t.Fatalf("expected first maximum at 2, got %d", got)
	}
}

func TestDecodeAllEqualScoresSelectsFirstSymbol(t *testing.T) {
	d := Decoder{Blank: 0}
	m := Matrix{Data: make([]float32, 3*5), Frames: 3, Symbols: 5}
	got, err := d.Decode(m)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected blank everywhere, got %v", got)
	}
}

func TestDecodeVocabularyMismatch(t *testing.T) {
	d := Decoder{Blank: 0, VocabSize: 10}
	_, err := d.Decode(oneHot([]int{1, 2}, 8))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestDecodeRaggedData(t *testing.T) {
	d := Decoder{}
	_, err := d.Decode(Matrix{Data: make([]float32, 7), Frames: 2, Symbols: 4})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestNewMatrix(t *testing.T) {
	m, err := NewMatrix(make([]float32, 12), 4)
	if err != nil {
		t.Fatalf("new matrix: %v", err)
	}
	if m.Frames != 3 {
		t.Fatalf("expected 3 frames, got %d", m.Frames)
	}
	if _, err := NewMatrix(make([]float32, 10), 4); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if _, err := NewMatrix(nil, 0); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch for zero symbols, got %v", err)
	}
}
