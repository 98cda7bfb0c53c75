package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-lector/internal/pipeline"

type instruments struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

func newInstruments() (instruments, error) {
	meter := otel.Meter(instrumentationName)
	duration, err := meter.Float64Histogram("lector.stage.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of transcription, enhancement and synthesis calls"))
	if err != nil {
		return instruments{}, err
	}
	failures, err := meter.Int64Counter("lector.stage.failures",
		metric.WithDescription("Failed external stage calls"))
	if err != nil {
		return instruments{}, err
	}
	return instruments{
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
		failures: failures,
	}, nil
}

// observe wraps one external call in a span and records its latency.
func (in instruments) observe(ctx context.Context, stage, chunkID string, call func(context.Context) error) (time.Duration, error) {
	ctx, span := in.tracer.Start(ctx, "pipeline."+spanName(stage),
		trace.WithAttributes(attribute.String("chunk.id", chunkID)))
	defer span.End()

	start := time.Now()
	err := call(ctx)
	elapsed := time.Since(start)

	attrs := metric.WithAttributes(attribute.String("stage", stage))
	in.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err != nil {
		in.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return elapsed, err
}

func spanName(stage string) string {
	switch stage {
	case StageSTT:
		return "transcribe"
	case StageEnhance:
		return "enhance"
	case StageTTS:
		return "synthesize"
	default:
		return stage
	}
}
