package pipeline

import (
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/superLin006/MTK-sense-voice/internal/pipeline"

// Metrics holds the instruments recorded by a Pipeline.
type Metrics struct {
	// StageDuration is recorded once per stage with attribute.String("stage", ...).
	StageDuration metric.Float64Histogram
	// Recognitions counts completed runs.
	Recognitions metric.Int64Counter
	// Failures counts aborted runs with attribute.String("error", kind).
	Failures metric.Int64Counter
	// RealTimeFactor records inference time over audio time per run.
	RealTimeFactor metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("sensevoice.pipeline.stage.duration",
		metric.WithDescription("Latency of each recognition stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Recognitions, err = m.Int64Counter("sensevoice.pipeline.recognitions",
		metric.WithDescription("Recognition runs that produced a transcript."),
	); err != nil {
		return nil, err
	}
	if met.Failures, err = m.Int64Counter("sensevoice.pipeline.failures",
		metric.WithDescription("Recognition runs aborted by an error, by error kind."),
	); err != nil {
		return nil, err
	}
	if met.RealTimeFactor, err = m.Float64Histogram("sensevoice.pipeline.rtf",
		metric.WithDescription("Inference time divided by the audio time it covered."),
		metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2),
	); err != nil {
		return nil, err
	}
	return met, nil
}
