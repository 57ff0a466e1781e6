package frontend

import (
	"errors"
	"fmt"
)

const (
	// DefaultMelBins is the width of one spectral frame.
	DefaultMelBins = 80
	// DefaultLFRM is the number of consecutive frames concatenated per output frame.
	DefaultLFRM = 7
	// DefaultLFRN is the hop, in source frames, between output frames.
	DefaultLFRN = 6
	// StackedDim is the width of one stacked frame with the default parameters.
	StackedDim = DefaultMelBins * DefaultLFRM
)

var (
	ErrInsufficientFrames = errors.New("frontend: insufficient frames")
	ErrDimensionMismatch  = errors.New("frontend: dimension mismatch")
)

// OutputFrames returns floor((count-m)/n)+1, the number of stacked frames
// produced from count source frames. It returns 0 when count < m.
func OutputFrames(count, m, n int) int {
	if count < m || m <= 0 || n <= 0 {
		return 0
	}
	return (count-m)/n + 1
}

// incrementalOutputFrames counts windows by advancing n frames while at least
// m remain. It agrees with OutputFrames for every count and is kept to check
// that in tests.
func incrementalOutputFrames(count, m, n int) int {
	out := 0
	for i := 0; i <= count-m; i += n {
		out++
	}
	return out
}

// Stack concatenates m consecutive frames every n frames. Output frame k is
// frames[k*n] ++ ... ++ frames[k*n+m-1]; a source index past the end repeats
// the last frame. The input is not modified and all output rows are freshly
// allocated.
func Stack(frames [][]float32, m, n int) ([][]float32, error) {
	if m <= 0 || n <= 0 {
		return nil, fmt.Errorf("frontend: invalid stacking parameters m=%d n=%d", m, n)
	}
	if len(frames) < m {
		return nil, fmt.Errorf("%w: have %d, need at least %d", ErrInsufficientFrames, len(frames), m)
	}
	dim := len(frames[0])
	for i, f := range frames {
		if len(f) != dim {
			return nil, fmt.Errorf("%w: frame %d has %d values, expected %d", ErrDimensionMismatch, i, len(f), dim)
		}
	}

	count := OutputFrames(len(frames), m, n)
	last := len(frames) - 1
	out := make([][]float32, count)
	backing := make([]float32, count*m*dim)
	for k := range count {
		row := backing[k*m*dim : (k+1)*m*dim]
		for j := range m {
			src := min(k*n+j, last)
			copy(row[j*dim:], frames[src])
		}
		out[k] = row
	}
	return out, nil
}

// Flatten returns frames as one row-major slice.
func Flatten(frames [][]float32) []float32 {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	flat := make([]float32, 0, total)
	for _, f := range frames {
		flat = append(flat, f...)
	}
	return flat
}
