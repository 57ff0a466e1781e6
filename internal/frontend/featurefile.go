package frontend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// WriteFeatureFile stores frames as a little-endian header of two int32
// values [frameCount, featureDim] followed by frameCount*featureDim float32
// values, row-major by frame.
func WriteFeatureFile(w io.Writer, frames [][]float32) error {
	dim := 0
	if len(frames) > 0 {
		dim = len(frames[0])
	}
	bw := bufio.NewWriter(w)
	header := [2]int32{int32(len(frames)), int32(dim)}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write feature header: %w", err)
	}
	row := make([]byte, dim*4)
	for i, f := range frames {
		if len(f) != dim {
			return fmt.Errorf("%w: frame %d has %d values, expected %d", ErrDimensionMismatch, i, len(f), dim)
		}
		for j, v := range f {
			binary.LittleEndian.PutUint32(row[j*4:], math.Float32bits(v))
		}
		if _, err := bw.Write(row); err != nil {
			return fmt.Errorf("write feature frame %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// ReadFeatureFile reads a file written by WriteFeatureFile. The declared
// feature dimension must equal wantDim.
func ReadFeatureFile(r io.Reader, wantDim int) ([][]float32, error) {
	br := bufio.NewReader(r)
	var header [2]int32
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read feature header: %w", err)
	}
	count, dim := int(header[0]), int(header[1])
	if dim != wantDim {
		return nil, fmt.Errorf("%w: feature dimension %d, expected %d", ErrDimensionMismatch, dim, wantDim)
	}
	if count < 0 {
		return nil, fmt.Errorf("frontend: negative frame count %d", count)
	}

	frames := make([][]float32, 0, min(count, 1<<16))
	row := make([]byte, dim*4)
	for i := range count {
		if _, err := io.ReadFull(br, row); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read feature frame %d of %d: %w", i, count, err)
		}
		f := make([]float32, dim)
		for j := range f {
			f[j] = math.Float32frombits(binary.LittleEndian.Uint32(row[j*4:]))
		}
		frames = append(frames, f)
	}
	return frames, nil
}
