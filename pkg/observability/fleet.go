package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Fleet semantic convention attributes.
var (
	AttrPrinterName    = attribute.Key("kiln.printer.name")
	AttrPrinterBackend = attribute.Key("kiln.printer.backend")
	AttrPrinterState   = attribute.Key("kiln.printer.state")

	AttrJobID    = attribute.Key("kiln.job.id")
	AttrJobState = attribute.Key("kiln.job.state")
	AttrJobFile  = attribute.Key("kiln.job.file")

	AttrWatchID   = attribute.Key("kiln.watch.id")
	AttrAlertRule = attribute.Key("kiln.watch.rule")

	AttrPaymentRail   = attribute.Key("kiln.payment.rail")
	AttrOrderProvider = attribute.Key("kiln.order.provider")
)

// PrinterOperation builds attributes for one printer API call.
func PrinterOperation(name, backend, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrinterName.String(name),
		AttrPrinterBackend.String(backend),
		AttrPrinterState.String(state),
	}
}

// JobOperation builds attributes for a job lifecycle transition.
func JobOperation(jobID, state, fileName, printerName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrJobState.String(state),
		AttrJobFile.String(fileName),
		AttrPrinterName.String(printerName),
	}
}

// WatchAlert builds attributes for a watcher alert.
func WatchAlert(watchID, rule, printerName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWatchID.String(watchID),
		AttrAlertRule.String(rule),
		AttrPrinterName.String(printerName),
	}
}

// PaymentOperation builds attributes for a fee charge or refund.
func PaymentOperation(rail, provider string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPaymentRail.String(rail),
		AttrOrderProvider.String(provider),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
