package series

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("libseries.series")

var (
	operationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "series_operations_total",
		Help: "Series operations by name and outcome",
	}, []string{"op", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "series_operation_duration_seconds",
		Help:    "Series operation duration",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"op"})

	instancesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "series_instances_written_total",
		Help: "Instance rows written by kind of write",
	}, []string{"kind"})
)

// outcome maps an operation error to a low-cardinality label
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrOperationAborted):
		return "aborted"
	case errors.Is(err, ErrInstanceNotFound), errors.Is(err, ErrTemplateNotFound):
		return "not_found"
	default:
		return "rejected"
	}
}

// startOp opens a span for op. The returned func records metrics and ends the
// span; call it with the operation's final error.
func startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "series."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		operationTotal.WithLabelValues(op, outcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func recordWrites(creates, updates, deletes int) {
	instancesWritten.WithLabelValues("create").Add(float64(creates))
	instancesWritten.WithLabelValues("update").Add(float64(updates))
	instancesWritten.WithLabelValues("delete").Add(float64(deletes))
}
