package audio

import (
	"errors"
	"math"
	"slices"
	"testing"
)

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestConditionIdentity(t *testing.T) {
	samples := []float32{0.1, -0.2, 0.3, 0.4}
	buf := &Buffer{Samples: slices.Clone(samples), SampleRate: 16000, Channels: 1}
	if err := Condition(buf, 16000); err != nil {
		t.Fatalf("condition: %v", err)
	}
	if !slices.Equal(buf.Samples, samples) {
		t.Fatalf("expected samples untouched, got %v", buf.Samples)
	}
	if buf.SampleRate != 16000 || buf.Channels != 1 {
		t.Fatalf("unexpected format %d Hz %d ch", buf.SampleRate, buf.Channels)
	}
}

func TestMixdownAveragesStereo(t *testing.T) {
	buf := &Buffer{Samples: []float32{0.5, 0.25, -1, 1, 0.2, 0.4}, SampleRate: 8000, Channels: 2}
	if err := Mixdown(buf); err != nil {
		t.Fatalf("mixdown: %v", err)
	}
	want := []float32{0.375, 0, 0.3}
	if buf.Channels != 1 || len(buf.Samples) != len(want) {
		t.Fatalf("expected %d mono samples, got %d (%d ch)", len(want), len(buf.Samples), buf.Channels)
	}
	for i := range want {
		if !approxEqual(buf.Samples[i], want[i]) {
			t.Fatalf("sample %d: got %v want %v", i, buf.Samples[i], want[i])
		}
	}
}

func TestMixdownRejectsOtherLayouts(t *testing.T) {
	for _, ch := range []int{0, 3, 6} {
		buf := &Buffer{Samples: make([]float32, 12), SampleRate: 16000, Channels: ch}
		if err := Condition(buf, 16000); !errors.Is(err, ErrUnsupportedChannelLayout) {
			t.Fatalf("channels=%d: expected unsupported layout, got %v", ch, err)
		}
	}
}

func TestResampleLength(t *testing.T) {
	tests := []struct {
		src, dst, in, want int
	}{
		{48000, 16000, 48000, 16000},
		{44100, 16000, 44100, 16000},
		{22050, 16000, 22050 * 3, 48000},
		{8000, 16000, 8000, 16000},
		{44100, 16000, 100, 36},
	}
	for _, tc := range tests {
		buf := &Buffer{Samples: make([]float32, tc.in), SampleRate: tc.src, Channels: 1}
		Resample(buf, tc.dst)
		if len(buf.Samples) != tc.want {
			t.Errorf("%d->%d with %d samples: got %d, want %d", tc.src, tc.dst, tc.in, len(buf.Samples), tc.want)
		}
		if buf.SampleRate != tc.dst {
			t.Errorf("expected rate %d, got %d", tc.dst, buf.SampleRate)
		}
	}
}

func TestResampleUpsampleInterpolates(t *testing.T) {
	buf := &Buffer{Samples: []float32{0, 1}, SampleRate: 8000, Channels: 1}
	Resample(buf, 16000)
	want := []float32{0, 0.5, 1, 1}
	if len(buf.Samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Samples))
	}
	for i := range want {
		if !approxEqual(buf.Samples[i], want[i]) {
			t.Fatalf("sample %d: got %v want %v", i, buf.Samples[i], want[i])
		}
	}
}

func TestResampleDownsamplePicksBrackets(t *testing.T) {
	buf := &Buffer{Samples: []float32{0, 0.1, 0.2, 0.3, 0.4, 0.5}, SampleRate: 48000, Channels: 1}
	Resample(buf, 16000)
	want := []float32{0, 0.3}
	for i := range want {
		if !approxEqual(buf.Samples[i], want[i]) {
			t.Fatalf("sample %d: got %v want %v", i, buf.Samples[i], want[i])
		}
	}
}

func TestConditionStereo44kToMono16k(t *testing.T) {
	buf := &Buffer{Samples: make([]float32, 2*44100), SampleRate: 44100, Channels: 2}
	for i := range buf.Samples {
		buf.Samples[i] = 0.25
	}
	if err := Condition(buf, 16000); err != nil {
		t.Fatalf("condition: %v", err)
	}
	if buf.Channels != 1 || buf.SampleRate != 16000 || len(buf.Samples) != 16000 {
		t.Fatalf("unexpected result %d ch %d Hz %d samples", buf.Channels, buf.SampleRate, len(buf.Samples))
	}
	for i, s := range buf.Samples {
		if !approxEqual(s, 0.25) {
			t.Fatalf("sample %d: expected constant 0.25, got %v", i, s)
		}
	}
}

func TestConditionRejectsBadRate(t *testing.T) {
	buf := &Buffer{Samples: []float32{0}, SampleRate: 16000, Channels: 1}
	if err := Condition(buf, 0); err == nil {
		t.Fatal("expected error for zero target rate")
	}
}
