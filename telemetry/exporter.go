package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	polos "github.com/polos-ai/polos-go"
)

// SpanExporter ships finished spans to the orchestrator's span store as
// neutral SpanRecords. It plugs into the SDK's batch span processor, so
// batching and flush-on-shutdown come from the SDK.
type SpanExporter struct {
	orch polos.Orchestrator
}

// NewSpanExporter creates an exporter backed by the orchestrator client.
func NewSpanExporter(orch polos.Orchestrator) *SpanExporter {
	return &SpanExporter{orch: orch}
}

// ExportSpans converts and uploads one batch.
func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	records := make([]polos.SpanRecord, 0, len(spans))
	for _, s := range spans {
		records = append(records, toRecord(s))
	}
	return e.orch.PutSpans(ctx, records)
}

// Shutdown implements sdktrace.SpanExporter. The batch processor flushes
// before calling it, so there is nothing left to do.
func (e *SpanExporter) Shutdown(context.Context) error { return nil }

func toRecord(s sdktrace.ReadOnlySpan) polos.SpanRecord {
	sc := s.SpanContext()
	rec := polos.SpanRecord{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       s.Name(),
		Attributes: attrMap(s.Attributes()),
		StartedAt:  s.StartTime(),
		EndedAt:    s.EndTime(),
	}
	if parent := s.Parent(); parent.HasSpanID() {
		rec.ParentSpanID = parent.SpanID().String()
	}
	if t, ok := rec.Attributes["polos.step_type"].(string); ok {
		rec.SpanType = t
	}
	if st := s.Status(); st.Code == codes.Error {
		rec.Error = st.Description
	}
	for _, ev := range s.Events() {
		rec.Events = append(rec.Events, polos.SpanEvent{
			Name:       ev.Name,
			Attributes: attrMap(ev.Attributes),
			Time:       ev.Time,
		})
	}
	return rec
}

func attrMap(attrs []attribute.KeyValue) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

var _ sdktrace.SpanExporter = (*SpanExporter)(nil)
