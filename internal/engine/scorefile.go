package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteScoreFile stores scores as a little-endian header of two int32 values
// [frames, vocabSize] followed by frames*vocabSize uint16 half-precision
// values.
func WriteScoreFile(w io.Writer, scores *HalfScores) error {
	if scores.VocabSize <= 0 || len(scores.Data)%scores.VocabSize != 0 {
		return fmt.Errorf("score buffer of %d values does not fit vocabulary size %d", len(scores.Data), scores.VocabSize)
	}
	bw := bufio.NewWriter(w)
	header := [2]int32{int32(scores.Frames()), int32(scores.VocabSize)}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write score header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, scores.Data); err != nil {
		return fmt.Errorf("write scores: %w", err)
	}
	return bw.Flush()
}

// MaxScoreVocab bounds the vocabulary size a score file may declare.
const MaxScoreVocab = 1 << 20

// ReadScoreFile reads a file written by WriteScoreFile. Malformed input is
// reported as ErrInferenceFailure.
func ReadScoreFile(r io.Reader) (*HalfScores, error) {
	br := bufio.NewReader(r)
	var header [2]int32
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: read score header: %w", ErrInferenceFailure, err)
	}
	frames, vocabSize := int(header[0]), int(header[1])
	if frames < 0 || vocabSize <= 0 || vocabSize > MaxScoreVocab {
		return nil, fmt.Errorf("%w: invalid score header [%d, %d]", ErrInferenceFailure, frames, vocabSize)
	}

	// Allocation grows with the frames actually read, not the declared count.
	data := make([]uint16, 0, min(frames*vocabSize, 1<<20))
	row := make([]byte, vocabSize*2)
	for i := range frames {
		if _, err := io.ReadFull(br, row); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%w: read score frame %d of %d: %w", ErrInferenceFailure, i, frames, err)
		}
		for j := range vocabSize {
			data = append(data, binary.LittleEndian.Uint16(row[j*2:]))
		}
	}
	return &HalfScores{Data: data, VocabSize: vocabSize}, nil
}
