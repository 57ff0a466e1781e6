package audio

import "fmt"

// Condition mixes buf down to mono and resamples it to targetRate, in place.
// A buffer that is already mono at targetRate is left untouched.
func Condition(buf *Buffer, targetRate int) error {
	if targetRate <= 0 {
		return fmt.Errorf("audio: target rate must be positive, got %d", targetRate)
	}
	if err := Mixdown(buf); err != nil {
		return err
	}
	Resample(buf, targetRate)
	return nil
}

// Mixdown converts stereo to mono by averaging each left/right pair.
func Mixdown(buf *Buffer) error {
	switch buf.Channels {
	case 1:
		return nil
	case 2:
	default:
		return fmt.Errorf("%w: %d channels", ErrUnsupportedChannelLayout, buf.Channels)
	}

	frames := len(buf.Samples) / 2
	mono := make([]float32, frames)
	for i := range frames {
		mono[i] = (buf.Samples[i*2] + buf.Samples[i*2+1]) / 2
	}
	buf.Samples = mono
	buf.Channels = 1
	return nil
}

// Resample converts a mono buffer to targetRate by linear interpolation.
//
// Output sample i reads source position i*src/dst and blends the two
// bracketing samples by the fractional part; when there is no upper bracket
// the last source sample is held. The output length is floor(n*dst/src),
// computed in integers so fixed-duration inputs map to exact lengths.
func Resample(buf *Buffer, targetRate int) {
	src := buf.SampleRate
	if src == targetRate || src <= 0 || targetRate <= 0 {
		return
	}
	n := len(buf.Samples)
	outLen := int(int64(n) * int64(targetRate) / int64(src))
	out := make([]float32, outLen)

	for i := range outLen {
		num := int64(i) * int64(src)
		idx := int(num / int64(targetRate))
		frac := float32(num%int64(targetRate)) / float32(targetRate)
		if idx+1 < n {
			out[i] = buf.Samples[idx]*(1-frac) + buf.Samples[idx+1]*frac
		} else {
			out[i] = buf.Samples[idx]
		}
	}

	buf.Samples = out
	buf.SampleRate = targetRate
}
