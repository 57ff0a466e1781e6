package engine

import (
	"context"
	"fmt"
	"sync"
)

const halfOne = 0x3C00

// OneHot builds scores whose argmax at frame t is path[t]. The chosen symbol
// scores 1.0 and every other symbol 0.
func OneHot(path []int, vocabSize int) (*HalfScores, error) {
	data := make([]uint16, len(path)*vocabSize)
	for t, sym := range path {
		if sym < 0 || sym >= vocabSize {
			return nil, fmt.Errorf("symbol %d at frame %d outside vocabulary of %d", sym, t, vocabSize)
		}
		data[t*vocabSize+sym] = halfOne
	}
	return &HalfScores{Data: data, VocabSize: vocabSize}, nil
}

// Mock is an in-process engine that replays a fixed symbol path. Without a
// path it emits Blank for every input frame.
type Mock struct {
	VocabSize int
	Blank     int
	Path      []int

	mu       sync.Mutex
	requests []Request
}

func (m *Mock) Infer(ctx context.Context, req Request) (*HalfScores, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	path := m.Path
	if path == nil {
		path = make([]int, len(req.Features))
		for i := range path {
			path[i] = m.Blank
		}
	}
	scores, err := OneHot(path, m.VocabSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	return scores, nil
}

// Requests returns the requests seen so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
