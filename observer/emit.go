package observer

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
)

// spanOutcome records err on the span when present and returns the status
// label shared by the metrics and logs of the same operation.
func spanOutcome(span trace.Span, err error) string {
	if err == nil {
		return "ok"
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return "error"
}

// emitLog sends one structured info record through the OTEL log bridge.
func emitLog(ctx context.Context, logger otellog.Logger, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	logger.Emit(ctx, rec)
}
