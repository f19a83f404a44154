package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on spans the pipeline emits about itself. These
// describe pipeline operations (enabling a session, draining a buffer) and
// are distinct from the trace events the pipeline writes into its own
// binary stream for callers.
const (
	AttrSessionID      = "evtrace.session_id"
	AttrSessionMode    = "evtrace.session_mode"
	AttrProviderName   = "evtrace.provider_name"
	AttrProviderGUID   = "evtrace.provider_guid"
	AttrEventID        = "evtrace.event_id"
	AttrEventVersion   = "evtrace.event_version"
	AttrKeywords       = "evtrace.keywords"
	AttrLevel          = "evtrace.level"
	AttrSequenceNumber = "evtrace.sequence_number"
	AttrThreadID       = "evtrace.thread_id"
	AttrBufferBytes    = "evtrace.buffer_bytes"
	AttrBuffersInUse   = "evtrace.buffers_in_use"
	AttrBudgetBytes    = "evtrace.budget_bytes"
	AttrFormatVersion  = "evtrace.format_version"
	AttrDroppedEvents  = "evtrace.dropped_events"
	AttrRundown        = "evtrace.rundown"
	AttrSinkKind       = "evtrace.sink_kind"
	AttrBucket         = "storage.bucket"
	AttrObjectKey      = "storage.key"
)

// Span names for pipeline-level operations.
const (
	SpanSessionEnable  = "pipeline.enable"
	SpanSessionDisable = "pipeline.disable"
	SpanSessionDrain   = "pipeline.drain"
	SpanBufferSteal    = "buffer_manager.steal"
	SpanBufferAlloc    = "buffer_manager.allocate"
	SpanBlockSerialize = "serializer.write_block"
	SpanStreamFlush    = "stream_writer.flush"
	SpanStreamRotate   = "stream_writer.rotate"
)

// SessionID returns an attribute carrying a session identifier.
func SessionID(id uint32) attribute.KeyValue {
	return attribute.Int64(AttrSessionID, int64(id))
}

// SessionMode returns an attribute describing a session's streaming mode.
func SessionMode(mode string) attribute.KeyValue {
	return attribute.String(AttrSessionMode, mode)
}

// ProviderName returns an attribute carrying a provider's registered name.
func ProviderName(name string) attribute.KeyValue {
	return attribute.String(AttrProviderName, name)
}

// ProviderGUID returns an attribute carrying a provider's GUID, hex-encoded.
func ProviderGUID(guid []byte) attribute.KeyValue {
	return attribute.String(AttrProviderGUID, fmt.Sprintf("%x", guid))
}

// EventID returns an attribute carrying an event's numeric id.
func EventID(id uint32) attribute.KeyValue {
	return attribute.Int64(AttrEventID, int64(id))
}

// EventVersion returns an attribute carrying an event's schema version.
func EventVersion(version uint32) attribute.KeyValue {
	return attribute.Int64(AttrEventVersion, int64(version))
}

// Keywords returns an attribute carrying a 64-bit keyword mask.
func Keywords(mask uint64) attribute.KeyValue {
	return attribute.String(AttrKeywords, fmt.Sprintf("0x%x", mask))
}

// Level returns an attribute carrying a verbosity level (0-5).
func Level(level int) attribute.KeyValue {
	return attribute.Int(AttrLevel, level)
}

// SequenceNumber returns an attribute carrying a per-session sequence number.
func SequenceNumber(seq uint64) attribute.KeyValue {
	return attribute.Int64(AttrSequenceNumber, int64(seq))
}

// ThreadID returns an attribute carrying the OS thread id that wrote an event.
func ThreadID(id uint32) attribute.KeyValue {
	return attribute.Int64(AttrThreadID, int64(id))
}

// BufferBytes returns an attribute carrying a buffer's capacity in bytes.
func BufferBytes(n int) attribute.KeyValue {
	return attribute.Int64(AttrBufferBytes, int64(n))
}

// BuffersInUse returns an attribute carrying the live buffer count for a session.
func BuffersInUse(n int) attribute.KeyValue {
	return attribute.Int64(AttrBuffersInUse, int64(n))
}

// BudgetBytes returns an attribute carrying a session's configured circular buffer budget.
func BudgetBytes(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrBudgetBytes, int64(n))
}

// FormatVersion returns an attribute carrying the serializer format version (3 or 4).
func FormatVersion(v int) attribute.KeyValue {
	return attribute.Int(AttrFormatVersion, v)
}

// DroppedEvents returns an attribute carrying a dropped-event count.
func DroppedEvents(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrDroppedEvents, int64(n))
}

// Rundown returns an attribute indicating whether a disable was a rundown.
func Rundown(rundown bool) attribute.KeyValue {
	return attribute.Bool(AttrRundown, rundown)
}

// SinkKind returns an attribute describing a stream writer sink (file, ipc, s3).
func SinkKind(kind string) attribute.KeyValue {
	return attribute.String(AttrSinkKind, kind)
}

// Bucket returns an attribute carrying an S3 bucket name.
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// ObjectKey returns an attribute carrying an S3 object key.
func ObjectKey(key string) attribute.KeyValue {
	return attribute.String(AttrObjectKey, key)
}

// StartPipelineSpan starts a span for a pipeline-level operation.
func StartPipelineSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}
