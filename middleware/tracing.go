package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Moro-JS/moro-sub006/job"
)

// tracerName is the instrumentation scope name for queue tracing.
const tracerName = "github.com/Moro-JS/moro-sub006"

// Tracing returns middleware that wraps job execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: moroq.job.id, moroq.queue, moroq.attempt,
// moroq.priority. On error, the span status is set to codes.Error with
// the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, jc *job.Context) (any, error) {
			ctx, span := tracer.Start(ctx, "moroq.job.execute",
				trace.WithAttributes(
					attribute.String("moroq.job.id", jc.ID),
					attribute.String("moroq.queue", jc.Queue),
					attribute.Int("moroq.attempt", jc.AttemptsMade),
					attribute.Int("moroq.priority", jc.Opts.Priority),
				),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			res, err := next(ctx, jc)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}

			return res, err
		}
	}
}
